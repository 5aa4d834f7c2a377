// Package dfu implements the device firmware update workflow on top of the
// mcumgr client.
//
// Mode decides how image numbers map to upload slots and which commands the
// device accepts. Transfer streams a single payload in offset-addressed
// chunks. Orchestrator walks the staged Queue one image at a time, waits for
// the net core after a recovery upload, and applies the caller's
// confirmation decision.
//
// Typical use:
//
//	q := &dfu.Queue{}
//	q.Add(candidate)
//	o := dfu.NewOrchestrator(q, bus)
//	go o.Run(ctx, client, dfu.Classify(images), transport.MTU())
//	// later, after the ConfirmationNeeded event:
//	o.Respond(true)
package dfu
