// Package crmrelay relays customer-update events from a marketing platform
// (the sender) to a CRM (the target) without losing events when the target
// is briefly unavailable.
//
// It runs in two stages joined by a durable queue:
//   - Ingestion authenticates the sender's signed token and enqueues the event.
//   - The consumer re-authenticates the event, exchanges the tenant's
//     credentials for a short-lived access token (OAuth2 JWT bearer), and
//     invokes the tenant's remote procedure. Failed deliveries stay queued and
//     are retried with backoff; messages that can never succeed, or that
//     exhaust their attempts, go to the dead letter queue.
//
// Secrets and tenant config come from a blob store and are read on every
// event, so rotation needs no restart.
//
// Quick start:
//
//	r, err := crmrelay.New(
//	    crmrelay.WithStore(memory.New()),
//	    crmrelay.WithBlobStore(fs.New("./config")),
//	    crmrelay.WithMasterPublicKeyName("master.pem"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r.Start(ctx)
//	defer r.Stop(ctx)
//
//	msg, err := r.Ingest(ctx, requestBody)
package crmrelay
