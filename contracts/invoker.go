package contracts

import "context"

// RemoteSyncInvoker executes a sync request against the remote service.
// Implementations must be idempotent per OperationID so that recovery can
// safely resubmit persisted operations.
type RemoteSyncInvoker interface {
	Invoke(ctx context.Context, req *SyncRequest) (*RemoteResult, error)
}

// RemoteSyncFunc adapts a function to the RemoteSyncInvoker interface.
type RemoteSyncFunc func(ctx context.Context, req *SyncRequest) (*RemoteResult, error)

// Invoke implements RemoteSyncInvoker.
func (f RemoteSyncFunc) Invoke(ctx context.Context, req *SyncRequest) (*RemoteResult, error) {
	return f(ctx, req)
}
