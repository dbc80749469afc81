package retailsync

import (
	"context"
	"errors"
)

// Session state lives in the local store under a fixed key.
const (
	SessionCollection = "session"
	SessionKey        = "auth"
)

// TokenProvider returns the current bearer token, or "" when there is none.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

// SessionTokenProvider reads the "token" field of the persisted session
// record. A missing session is not an error: requests go out unauthenticated
// and the server decides.
func SessionTokenProvider(s Storage) TokenProvider {
	return func(ctx context.Context) (string, error) {
		rec, err := s.Get(ctx, SessionCollection, SessionKey)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return "", nil
			}
			return "", err
		}
		token, _ := rec["token"].(string)
		return token, nil
	}
}

// SaveSession persists the session record read by SessionTokenProvider.
func SaveSession(ctx context.Context, s Storage, token string, extra Record) error {
	rec := Record{"id": SessionKey, "token": token}
	for k, v := range extra {
		if k != "id" && k != "token" {
			rec[k] = v
		}
	}
	return s.Put(ctx, SessionCollection, SessionKey, rec)
}

// ClearSession removes the persisted session.
func ClearSession(ctx context.Context, s Storage) error {
	return s.DeleteByID(ctx, SessionCollection, SessionKey)
}
