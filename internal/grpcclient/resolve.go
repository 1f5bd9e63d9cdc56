package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"

	"github.com/configcat/proxyload/internal/config"
)

// ErrMethodNotFound is returned when no source knows the requested method.
var ErrMethodNotFound = errors.New("grpc method not found")

// resolver finds method descriptors, trying in order: the configured .proto
// file, descriptors compiled into the binary, then server reflection.
type resolver struct {
	conn      *grpc.ClientConn
	protoFile string
	reflect   bool

	mu      sync.Mutex
	methods map[string]*desc.MethodDescriptor
	parsed  []*desc.FileDescriptor
	refl    *grpcreflect.Client
}

func newResolver(conn *grpc.ClientConn, protoFile string, reflect bool) *resolver {
	return &resolver{
		conn:      conn,
		protoFile: strings.TrimSpace(protoFile),
		reflect:   reflect,
		methods:   make(map[string]*desc.MethodDescriptor),
	}
}

func (r *resolver) method(ctx context.Context, fullMethod string) (*desc.MethodDescriptor, error) {
	service, name := config.SplitServiceMethod(fullMethod)
	if service == "" || name == "" {
		return nil, fmt.Errorf("invalid grpc method %q: want package.Service/Method", fullMethod)
	}
	key := service + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()
	if md, ok := r.methods[key]; ok {
		return md, nil
	}

	svc, err := r.service(ctx, service)
	if err != nil {
		return nil, err
	}
	md := svc.FindMethodByName(name)
	if md == nil {
		return nil, fmt.Errorf("%w: %s in service %s", ErrMethodNotFound, name, service)
	}
	r.methods[key] = md
	return md, nil
}

func (r *resolver) service(ctx context.Context, service string) (*desc.ServiceDescriptor, error) {
	if r.protoFile != "" {
		svc, err := r.fromProtoFile(service)
		if err != nil {
			return nil, err
		}
		if svc != nil {
			return svc, nil
		}
	}
	if svc := fromRegistry(service); svc != nil {
		return svc, nil
	}
	if r.reflect {
		return r.fromReflection(ctx, service)
	}
	return nil, fmt.Errorf("%w: service %s (no proto file, compiled descriptor or reflection)", ErrMethodNotFound, service)
}

func (r *resolver) fromProtoFile(service string) (*desc.ServiceDescriptor, error) {
	if r.parsed == nil {
		parser := protoparse.Parser{
			ImportPaths: []string{filepath.Dir(r.protoFile)},
		}
		files, err := parser.ParseFiles(filepath.Base(r.protoFile))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", r.protoFile, err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no descriptors parsed from %s", r.protoFile)
		}
		r.parsed = files
	}
	for _, file := range r.parsed {
		for _, svc := range file.GetServices() {
			if matchesServiceName(svc, service) {
				return svc, nil
			}
		}
	}
	return nil, nil
}

func matchesServiceName(svc *desc.ServiceDescriptor, target string) bool {
	if target == "" {
		return false
	}
	if svc.GetFullyQualifiedName() == target {
		return true
	}
	return svc.GetName() == target || strings.HasSuffix(target, "."+svc.GetName())
}

func fromRegistry(service string) *desc.ServiceDescriptor {
	d, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(service))
	if err != nil {
		return nil
	}
	sd, ok := d.(protoreflect.ServiceDescriptor)
	if !ok {
		return nil
	}
	fd, err := desc.LoadFileDescriptor(sd.ParentFile().Path())
	if err != nil {
		return nil
	}
	return fd.FindService(service)
}

func (r *resolver) fromReflection(ctx context.Context, service string) (*desc.ServiceDescriptor, error) {
	if r.refl == nil {
		// The reflection stream outlives a single call, so it must not be
		// bound to the caller's context.
		r.refl = grpcreflect.NewClientAuto(context.WithoutCancel(ctx), r.conn)
	}
	svc, err := r.refl.ResolveService(service)
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %w", service, err)
	}
	return svc, nil
}

func (r *resolver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refl != nil {
		r.refl.Reset()
		r.refl = nil
	}
}
