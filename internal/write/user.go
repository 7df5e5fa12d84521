package write

import (
	"context"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
)

const (
	// AnonymousProvider is the built-in credential-free provider.
	AnonymousProvider = "anonymous"

	// PasswordProvider marks sessions created from a username/password
	// signup.
	PasswordProvider = "password"
)

var emailPattern = regexp.MustCompile(`^.+@.+$`)

// validateUserAuthData enforces signup credentials and converts an external
// authData block into internal provider fields. At most one provider is
// processed per write; anonymous takes precedence when present.
func (w *write) validateUserAuthData(ctx context.Context) error {
	if w.className != object.ClassUser {
		return nil
	}

	authData, hasAuthData := object.AsMap(w.data["authData"])
	if !hasAuthData {
		if _, present := w.data["authData"]; present {
			return serverErrors.UnsupportedService()
		}
	}

	if w.targetID == "" && !hasAuthData {
		if _, ok := w.data["username"].(string); !ok {
			return serverErrors.UsernameMissing()
		}
		if _, ok := w.data["password"].(string); !ok {
			return serverErrors.PasswordMissing()
		}
	}
	if !hasAuthData {
		return nil
	}

	provider, providerData, err := selectProvider(authData, w.targetID != "")
	if err != nil {
		return err
	}
	return w.handleProviderAuthData(ctx, provider, providerData)
}

// selectProvider picks the single provider a write may carry. An explicit
// null unlinks a provider on update.
func selectProvider(authData object.Object, isUpdate bool) (string, object.Object, error) {
	if raw, present := authData[AnonymousProvider]; present {
		data, ok := object.AsMap(raw)
		if raw == nil && isUpdate {
			return AnonymousProvider, nil, nil
		}
		if ok {
			if idValue, _ := data["id"].(string); idValue != "" {
				return AnonymousProvider, data, nil
			}
		}
		return "", nil, serverErrors.UnsupportedService()
	}

	var name string
	var data object.Object
	for key, raw := range authData {
		if name != "" {
			return "", nil, serverErrors.UnsupportedService()
		}
		name = key
		if raw == nil {
			if !isUpdate {
				return "", nil, serverErrors.UnsupportedService()
			}
			continue
		}
		m, ok := object.AsMap(raw)
		if !ok {
			return "", nil, serverErrors.UnsupportedService()
		}
		data = m
	}
	if name == "" {
		return "", nil, serverErrors.UnsupportedService()
	}
	return name, data, nil
}

func (w *write) handleProviderAuthData(ctx context.Context, provider string, providerData object.Object) error {
	storedField := "_auth_data_" + provider

	// Explicit null on update unlinks the provider.
	if providerData == nil {
		w.data[storedField] = nil
		delete(w.data, "authData")
		return nil
	}

	p, registered := w.p.deps.Providers.Get(provider)
	if !registered {
		return serverErrors.UnsupportedService()
	}
	if err := p.ValidateAuthData(ctx, providerData); err != nil {
		return err
	}
	if provider != AnonymousProvider {
		if err := p.ValidateAppID(ctx, w.p.deps.FacebookAppIDs, providerData); err != nil {
			return err
		}
	}

	providerID, _ := providerData["id"].(string)
	existing, err := w.p.deps.Store.Find(ctx, object.ClassUser,
		storage.Filter{storedField + ".id": providerID}, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		match := existing[0]
		if w.targetID == "" {
			// Signing up with credentials that already have an account is a
			// login; short-circuit with the existing user.
			w.authProvider = provider
			w.data["objectId"] = match.ObjectID()
			w.response = &Response{Status: 200, Body: PresentUser(match), Location: w.location()}
			return nil
		}
		if match.ObjectID() == w.targetID {
			// Relinking the same account is a no-op.
			delete(w.data, "authData")
			return nil
		}
		return serverErrors.AccountAlreadyLinked()
	}

	w.authProvider = provider
	w.data[storedField] = providerData
	delete(w.data, "authData")
	return nil
}

// PresentUser converts a stored user record to its response shape: internal
// fields are stripped and provider credentials fold into authData.
func PresentUser(stored object.Object) object.Object {
	out := stored.Copy()
	delete(out, object.FieldHashedPassword)
	delete(out, object.FieldReadPerms)
	delete(out, object.FieldWritePerms)

	var authData object.Object
	for key, value := range out {
		provider, ok := strings.CutPrefix(key, "_auth_data_")
		if !ok {
			continue
		}
		if authData == nil {
			authData = object.Object{}
		}
		authData[provider] = value
		delete(out, key)
	}
	if authData != nil {
		out["authData"] = authData
	}
	return out
}

// transformUser runs the non-provider parts of user handling: session
// creation for signups and logins, password hashing, and username/email
// checks.
func (w *write) transformUser(ctx context.Context) error {
	if w.className != object.ClassUser {
		return nil
	}

	if w.targetID == "" {
		if err := w.createLoginSession(ctx); err != nil {
			return err
		}
	}

	if password, ok := w.data["password"].(string); ok {
		if w.targetID != "" {
			w.clearSessions = true
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		w.data[object.FieldHashedPassword] = string(hashed)
		delete(w.data, "password")
	}

	if err := w.checkUsername(ctx); err != nil {
		return err
	}
	return w.checkEmail(ctx)
}

// createLoginSession mints the session every signup or provider login gets.
func (w *write) createLoginSession(ctx context.Context) error {
	token := id.NewSessionToken()
	w.sessionToken = token

	provider := w.authProvider
	if provider == "" {
		provider = PasswordProvider
	}
	sessionData := object.Object{
		"sessionToken": token,
		"user":         object.Pointer(object.ClassUser, w.objectID()),
		"createdWith": object.Object{
			"action":       "login",
			"authProvider": provider,
		},
		"restricted": false,
		"expiresAt":  object.EncodeDate(time.Now().Add(sessionLifetime)),
	}
	if installationID, ok := w.data["installationId"]; ok {
		sessionData["installationId"] = installationID
	}
	if w.response != nil && w.response.Body != nil {
		w.response.Body["sessionToken"] = token
	}

	_, err := w.p.Execute(ctx, auth.Master(), object.ClassSession, "", sessionData, nil)
	return err
}

func (w *write) checkUsername(ctx context.Context) error {
	username, ok := w.data["username"].(string)
	if !ok || username == "" {
		if w.targetID == "" && w.response == nil {
			w.data["username"] = id.NewUsername()
		}
		return nil
	}
	conflicting, err := w.p.deps.Store.Find(ctx, object.ClassUser, storage.Filter{
		"username": username,
		"objectId": object.Object{"$ne": w.objectID()},
	}, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(conflicting) > 0 {
		return serverErrors.UsernameTaken()
	}
	return nil
}

func (w *write) checkEmail(ctx context.Context) error {
	email, ok := w.data["email"].(string)
	if !ok || email == "" {
		return nil
	}
	if !emailPattern.MatchString(email) {
		return serverErrors.InvalidEmailAddress()
	}
	conflicting, err := w.p.deps.Store.Find(ctx, object.ClassUser, storage.Filter{
		"email":    email,
		"objectId": object.Object{"$ne": w.objectID()},
	}, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(conflicting) > 0 {
		return serverErrors.EmailTaken()
	}
	return nil
}
