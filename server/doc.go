// Package server implements the TFTP server side of the session dispatcher.
//
// A Server listens on the well-known request port. Each valid RRQ or WRQ
// starts a session on a private ephemeral socket bound to the local address
// the request arrived on; the session runs the transfer engine in the sender
// role (RRQ) or the receiver role (WRQ) against a file.Store. A repeated
// request from a client whose transfer is still running is dropped.
//
//	srv, err := server.New(opts, file.NewDiskStore("/srv/tftp"))
//	if err != nil {
//	    return err
//	}
//	go srv.Serve(ctx)
//	...
//	err = srv.Shutdown(shutdownCtx)
package server
