package userview

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/streamhouse/eventlog/pkg/eventstore"
)

// ErrEmailTaken is returned by SignUp when the read model already holds a
// user with the requested email.
var ErrEmailTaken = errors.New("userview: email already taken")

// NewUser is the signup input. The password must already be hashed; the
// log stores whatever credential blob it is given.
type NewUser struct {
	Email    string
	Name     string
	Password EncryptedPassword
}

// ProfileEdit carries the changed fields of a profile edit. Nil fields are
// left untouched by the projection.
type ProfileEdit struct {
	Name     *string
	Password *EncryptedPassword
}

// Commands appends user lifecycle events to the activity log. Uniqueness
// checks run against the read model, which trails the log, so concurrent
// signups for one email can both pass the check; the projection's unique
// email column is the backstop.
type Commands struct {
	store   *eventstore.Store
	queries *Queries
}

// NewCommands wires commands to the activity log and the read model.
func NewCommands(store *eventstore.Store, queries *Queries) *Commands {
	return &Commands{store: store, queries: queries}
}

// SignUp appends a USER_SIGNUP event for a fresh user id and returns the id.
func (c *Commands) SignUp(ctx context.Context, in NewUser) (string, error) {
	_, err := c.queries.ByEmail(ctx, in.Email)
	if err == nil {
		return "", ErrEmailTaken
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id := uuid.NewString()
	_, err = c.store.Append(ctx, eventstore.Event{
		"actionId": EventUserSignup,
		"userId":   id,
		"data": map[string]any{
			"email":    in.Email,
			"name":     in.Name,
			"password": passwordData(in.Password),
		},
	})
	if err != nil {
		return "", fmt.Errorf("userview: sign up: %w", err)
	}
	return id, nil
}

// EditProfile appends a USER_EDIT_PROFILE event carrying only the fields
// the edit changes.
func (c *Commands) EditProfile(ctx context.Context, id string, edit ProfileEdit) error {
	if _, err := c.queries.ByID(ctx, id); err != nil {
		return err
	}

	data := map[string]any{}
	if edit.Name != nil {
		data["name"] = *edit.Name
	}
	if edit.Password != nil {
		data["password"] = passwordData(*edit.Password)
	}
	if len(data) == 0 {
		return nil
	}

	_, err := c.store.Append(ctx, eventstore.Event{
		"actionId": EventUserEditProfile,
		"userId":   id,
		"data":     data,
	})
	if err != nil {
		return fmt.Errorf("userview: edit profile: %w", err)
	}
	return nil
}

func passwordData(p EncryptedPassword) map[string]any {
	return map[string]any{
		"key":        p.Key,
		"salt":       p.Salt,
		"iterations": p.Iterations,
	}
}
