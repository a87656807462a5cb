// Package server assembles the CoAP server.
//
// A Context owns one generation of the server: the endpoints, the session
// table, the block-wise store, the observe notifier, the engine and the
// scheduler whose goroutine runs all of them. A Context that loses every
// endpoint, or whose endpoint can no longer read, is discarded and the
// Server builds a new one after a backoff delay.
//
// The served resource lives outside the Context, so its state survives
// rebuilds:
//
//	res := espressif.New(espressif.Config{Actuator: worker})
//	srv, err := server.New(server.Config{
//	    Resources: []server.Registrar{res},
//	    Logger:    logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx)
package server
