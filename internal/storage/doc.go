// Package storage persists what the dispatch engine owns:
//   - per-tenant channel settings and refreshed OAuth tokens
//   - tenants and WhatsApp subscribers
//   - the messaging outbox
//   - per-channel post counters
//   - the dispatch outcome audit trail
package storage
