// Package remoteshell defines the RemoteShell boundary (§1, §9): an
// opaque external collaborator used to run offline-remote NBD servers on
// another host over SSH. No ecosystem SSH library appears anywhere in
// the reference corpus to ground a concrete adapter on, so this package
// is deliberately interface-only; callers needing a real transport
// supply their own implementation.
package remoteshell

import "context"

// RemoteShell executes commands on a remote host and proxies a local
// port to a remote one, as needed for offline-remote backup/restore.
type RemoteShell interface {
	Run(ctx context.Context, command string) (stdout []byte, err error)
	// ForwardLocalPort arranges for connections to localPort on this host
	// to reach remotePort on the remote host, returning a function that
	// tears the forward down.
	ForwardLocalPort(ctx context.Context, localPort, remotePort int) (close func() error, err error)
}
