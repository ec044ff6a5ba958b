package conflict

import (
	"fmt"
	"time"

	"billsync/backend/internal/domain"
)

type Outcome string

const (
	LocalWins       Outcome = "local-wins"
	ServerWins      Outcome = "server-wins"
	ServerWinsError Outcome = "server-wins-error"
)

// Entity is a document that can tell whether another version of itself
// carries the same business content.
type Entity[T any] interface {
	domain.Document
	SameContent(T) bool
}

type Resolution[T any] struct {
	Resolved T
	Outcome  Outcome
	// Conflict is false when both versions already agree.
	Conflict bool
	Reason   string
}

// Resolve picks between a pending local version and the server version by
// last write wins on UpdatedAt. Ties go to the server. A missing timestamp on
// either side, or any failure while comparing, resolves to the server.
func Resolve[T Entity[T]](local, server T) (res Resolution[T]) {
	defer func() {
		if r := recover(); r != nil {
			res = Resolution[T]{
				Resolved: server,
				Outcome:  ServerWinsError,
				Conflict: true,
				Reason:   fmt.Sprintf("comparison failed: %v", r),
			}
		}
	}()

	if local.SameContent(server) {
		return Resolution[T]{Resolved: server, Outcome: ServerWins, Reason: "versions agree"}
	}

	localAt, serverAt := local.LastUpdated(), server.LastUpdated()
	if localAt.IsZero() || serverAt.IsZero() {
		return Resolution[T]{
			Resolved: server,
			Outcome:  ServerWinsError,
			Conflict: true,
			Reason:   "missing updated_at timestamp",
		}
	}
	if localAt.After(serverAt) {
		return Resolution[T]{
			Resolved: local,
			Outcome:  LocalWins,
			Conflict: true,
			Reason:   fmt.Sprintf("local %s is newer than server %s", stamp(localAt), stamp(serverAt)),
		}
	}
	return Resolution[T]{
		Resolved: server,
		Outcome:  ServerWins,
		Conflict: true,
		Reason:   fmt.Sprintf("server %s is not older than local %s", stamp(serverAt), stamp(localAt)),
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
