package write

import (
	"context"
	"time"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
)

// classHandler runs the reserved-class logic of the class-specialness stage.
// A handler may rewrite the payload, retarget the write onto an existing
// object, or set the terminal response.
type classHandler interface {
	prepareWrite(ctx context.Context, w *write) error
}

// installationHandler normalizes the device payload and reconciles it
// against existing installation records, possibly turning a create into an
// update onto the canonical record.
type installationHandler struct{}

func (installationHandler) prepareWrite(ctx context.Context, w *write) error {
	wasCreate := w.targetID == ""
	data, targetID, err := w.p.deps.Installations.Reconcile(ctx, w.data, w.targetID)
	if err != nil {
		return err
	}
	w.data = data
	w.targetID = targetID
	if wasCreate && w.targetID != "" {
		delete(w.data, "createdAt")
	}
	return nil
}

// sessionHandler guards session writes. Non-master creates never store the
// caller's payload directly: a restricted session is synthesized through a
// nested master write and returned as the terminal response.
type sessionHandler struct{}

func (sessionHandler) prepareWrite(ctx context.Context, w *write) error {
	if w.ident.User == nil && !w.ident.IsMaster {
		return serverErrors.InvalidSessionToken()
	}
	if _, hasACL := w.data["ACL"]; hasACL {
		return serverErrors.Newf(serverErrors.CodeInvalidKeyName, "Cannot set ACL on a Session.")
	}
	if w.targetID != "" || w.ident.IsMaster {
		return nil
	}

	sessionData := object.Object{
		"sessionToken": id.NewSessionToken(),
		"user":         object.Pointer(object.ClassUser, w.ident.UserID()),
		"createdWith":  object.Object{"action": "create"},
		"restricted":   true,
		"expiresAt":    object.EncodeDate(time.Now().Add(sessionLifetime)),
	}
	for key, value := range w.data {
		switch key {
		case "objectId", "createdAt", "updatedAt":
			continue
		}
		sessionData[key] = value
	}

	created, err := w.p.Execute(ctx, auth.Master(), object.ClassSession, "", sessionData, nil)
	if err != nil {
		return err
	}
	if created == nil || created.Body == nil {
		return serverErrors.InternalServerError("Error creating session.")
	}

	body := sessionData.Copy()
	body["objectId"] = created.Body["objectId"]
	w.response = &Response{Status: 201, Location: created.Location, Body: body}
	return nil
}

// roleHandler guards role writes: every role write needs a name and an
// authenticated caller.
type roleHandler struct{}

func (roleHandler) prepareWrite(_ context.Context, w *write) error {
	if w.ident.User == nil && !w.ident.IsMaster {
		return serverErrors.InvalidSessionToken()
	}
	if name, _ := w.data["name"].(string); name == "" {
		return serverErrors.InvalidRoleName()
	}
	return nil
}
