package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// ProtoRootSource parses every .proto file found under Roots. Imports are
// resolved against all roots.
type ProtoRootSource struct {
	Roots []string
}

// Load implements Source. The authority is ignored.
func (s *ProtoRootSource) Load(ctx context.Context, _ string) (*descriptorpb.FileDescriptorSet, error) {
	if len(s.Roots) == 0 {
		return nil, errors.New("schema: proto root: no roots configured")
	}

	var names []string
	seen := make(map[string]bool)
	for _, root := range s.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ".proto" {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				names = append(names, rel)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("schema: proto root %s: %w", root, err)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("schema: proto root: no .proto files under %v", s.Roots)
	}

	p := protoparse.Parser{ImportPaths: s.Roots}
	fds, err := p.ParseFiles(names...)
	if err != nil {
		return nil, fmt.Errorf("schema: proto root: parse: %w", err)
	}
	return descriptorSetOf(fds), nil
}

// descriptorSetOf flattens parsed files and their imports into a set.
func descriptorSetOf(fds []*desc.FileDescriptor) *descriptorpb.FileDescriptorSet {
	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	var add func(fd *desc.FileDescriptor)
	add = func(fd *desc.FileDescriptor) {
		if seen[fd.GetName()] {
			return
		}
		seen[fd.GetName()] = true
		for _, dep := range fd.GetDependencies() {
			add(dep)
		}
		set.File = append(set.File, fd.AsFileDescriptorProto())
	}
	for _, fd := range fds {
		add(fd)
	}
	return set
}

// DescriptorSetSource reads pre-compiled FileDescriptorSet files, as
// produced by `protoc --descriptor_set_out --include_imports`.
type DescriptorSetSource struct {
	Files []string
}

// Load implements Source. Files are read concurrently and merged; a file
// name present in more than one set is kept once.
func (s *DescriptorSetSource) Load(ctx context.Context, _ string) (*descriptorpb.FileDescriptorSet, error) {
	if len(s.Files) == 0 {
		return nil, errors.New("schema: descriptor set: no files configured")
	}

	sets := make([]*descriptorpb.FileDescriptorSet, len(s.Files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range s.Files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			set := &descriptorpb.FileDescriptorSet{}
			if err := proto.Unmarshal(b, set); err != nil {
				return fmt.Errorf("unmarshal %s: %w", path, err)
			}
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("schema: descriptor set: %w", err)
	}

	merged := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	for _, set := range sets {
		for _, f := range set.GetFile() {
			if seen[f.GetName()] {
				continue
			}
			seen[f.GetName()] = true
			merged.File = append(merged.File, f)
		}
	}
	return merged, nil
}
