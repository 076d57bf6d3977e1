// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/runhost/runhost/lib/chunk"
	"github.com/runhost/runhost/lib/filesurface"
	"github.com/runhost/runhost/lib/remote"
)

// fileRequest addresses a path inside a run's working directory.
type fileRequest struct {
	Principal string `cbor:"principal,omitempty"`
	ID        string `cbor:"id"`
	Path      string `cbor:"path"`
	Offset    int64  `cbor:"offset,omitempty"`
	Length    int    `cbor:"length"`
	Data      []byte `cbor:"data,omitempty"`

	// SourceID and SourcePath name the file.copy source, which may
	// belong to another run of the same principal.
	SourceID   string `cbor:"source_id,omitempty"`
	SourcePath string `cbor:"source_path,omitempty"`
}

// DirectoryListing answers dir.list.
type DirectoryListing struct {
	Entries []filesurface.Entry `cbor:"entries"`
}

// workerClient resolves a run the caller owns to a client for its
// worker, starting the worker if it has none yet. The client only
// talks to an endpoint served by the worker's account.
func (s *Service) workerClient(ctx context.Context, principal, id string) (*remote.Client, error) {
	r, err := s.lookup(principal, id, s.policy.PermitUpdate)
	if err != nil {
		return nil, err
	}
	worker, err := s.supervisor.EnsureWorker(ctx, r)
	if err != nil {
		return nil, err
	}
	return remote.NewClient(worker.Endpoint).ExpectPeer(worker.UID), nil
}

func (s *Service) fileAction(body func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error)) remote.ActionFunc {
	return handler(func(ctx context.Context, request *fileRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		client, err := s.workerClient(ctx, who.principal, request.ID)
		if err != nil {
			return nil, err
		}
		return body(ctx, client, request)
	})
}

func (s *Service) registerFiles(server *remote.Server) {
	server.Handle("file.read", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		data, err := filesurface.NewRemoteFile(client, request.Path).Read(ctx, request.Offset, request.Length)
		if err != nil {
			return nil, err
		}
		return chunk.Pack(data)
	}))

	server.Handle("file.write", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		return nil, filesurface.NewRemoteFile(client, request.Path).Write(ctx, request.Data)
	}))

	server.Handle("file.append", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		return nil, filesurface.NewRemoteFile(client, request.Path).Append(ctx, request.Data)
	}))

	server.Handle("file.delete", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		return nil, filesurface.NewRemoteFile(client, request.Path).Delete(ctx)
	}))

	server.Handle("file.metadata", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		return filesurface.NewRemoteFile(client, request.Path).Metadata(ctx)
	}))

	server.Handle("file.copy", handler(func(ctx context.Context, request *fileRequest) (any, error) {
		who := s.identify(ctx, request.Principal)
		if request.SourceID == "" {
			request.SourceID = request.ID
		}
		if request.SourcePath == "" {
			return nil, remote.Errorf(remote.CodeBadRequest, "source_path is required")
		}
		destination, err := s.workerClient(ctx, who.principal, request.ID)
		if err != nil {
			return nil, err
		}
		source, err := s.workerClient(ctx, who.principal, request.SourceID)
		if err != nil {
			return nil, err
		}
		return nil, filesurface.NewRemoteFile(destination, request.Path).
			CopyFrom(ctx, filesurface.NewRemoteFile(source, request.SourcePath))
	}))

	server.Handle("dir.list", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		entries, err := filesurface.NewRemoteDirectory(client, request.Path).Contents(ctx)
		if err != nil {
			return nil, err
		}
		return DirectoryListing{Entries: entries}, nil
	}))

	server.Handle("dir.mkdir", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		_, err := filesurface.NewRemoteDirectory(client, "").MakeDirectory(ctx, request.Path)
		return nil, err
	}))

	server.Handle("dir.delete", s.fileAction(func(ctx context.Context, client *remote.Client, request *fileRequest) (any, error) {
		return nil, filesurface.NewRemoteDirectory(client, request.Path).Delete(ctx)
	}))
}
