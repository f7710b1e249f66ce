// Package service holds the orchestrator and the four saga participants.
// Each participant follows the same idempotent protocol: one record per
// payment identifier, mark-in-flight before work, exactly one result event
// per request.
package service

import "time"

func nowUTC() time.Time { return time.Now().UTC() }
