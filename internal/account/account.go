// Package account handles first-sign-in intake: choosing a unique username
// and materializing the user document. Validation happens locally before
// any remote call; the claim itself writes the user document and the
// username reservation in one atomic batch so neither exists without the
// other.
package account

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 20
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// NormalizeUsername validates raw input and returns its canonical form:
// trimmed, lower-cased, 3-20 chars from [a-z0-9_.-].
func NormalizeUsername(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if len(name) < minUsernameLen {
		return "", model.Invalid("username", "must be at least 3 characters")
	}
	if len(name) > maxUsernameLen {
		return "", model.Invalid("username", "must be 20 characters or less")
	}
	if !usernamePattern.MatchString(name) {
		return "", model.Invalid("username", "only lowercase letters, numbers, _ . - allowed")
	}
	return name, nil
}

// Lookup fetches an existing account, returning gateway.ErrNotFound when
// the user has signed in but never completed setup.
func Lookup(ctx context.Context, gw gateway.Gateway, userID string) (model.User, error) {
	doc, err := gw.GetDocument(ctx, model.CollUsers, userID)
	if err != nil {
		return model.User{}, err
	}
	return model.UserFromDoc(doc), nil
}

// Claim reserves a username for userID and creates the account document.
// The availability check and the claim are not one transaction; two users
// racing for the same name within that window both "win" the local check
// and the later batch overwrites the reservation. The observed clients had
// the identical race and no reconciliation; keeping the check-then-claim
// shape preserves that, and the reservation document always names exactly
// one owner afterwards.
func Claim(ctx context.Context, gw gateway.Gateway, userID, rawUsername, displayName, avatarURL string) (model.User, error) {
	username, err := NormalizeUsername(rawUsername)
	if err != nil {
		return model.User{}, err
	}
	if displayName == "" {
		displayName = "Anonymous"
	}

	_, err = gw.GetDocument(ctx, model.CollUsernames, username)
	switch {
	case err == nil:
		return model.User{}, model.Invalid("username", "already taken")
	case errors.Is(err, gateway.ErrNotFound):
		// available
	default:
		return model.User{}, model.Transient("username check", err)
	}

	u := model.User{
		ID:        userID,
		Username:  username,
		Name:      displayName,
		AvatarURL: avatarURL,
		Online:    true,
	}
	err = gw.AtomicBatch(ctx, []gateway.Op{
		gateway.Set(model.CollUsers, userID, u.Fields(), gateway.Overwrite),
		gateway.Set(model.CollUsernames, username, map[string]any{
			"uid":       userID,
			"createdAt": gateway.ServerTimestamp,
		}, gateway.Overwrite),
	})
	if err != nil {
		return model.User{}, model.Transient("account create", err)
	}
	return u, nil
}
