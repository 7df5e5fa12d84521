// Package write runs the staged mutation pipeline. A write is either a
// create or an update onto a target object; it flows through authorization
// scoping, schema validation, reserved-class handling, hooks, user
// transforms, and persistence, in that order. Any stage may produce the
// terminal response and short-circuit the stages after it, except follow-up
// work and the after-save hook which always run.
package write

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/internal/authproviders"
	"github.com/objectstack/objectstack/internal/installations"
	"github.com/objectstack/objectstack/internal/relations"
	"github.com/objectstack/objectstack/internal/schema"
	"github.com/objectstack/objectstack/internal/triggers"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
)

const sessionLifetime = 365 * 24 * time.Hour

var writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "objectstack",
	Name:      "writes_total",
	Help:      "Number of persisted writes, by mode.",
}, []string{"mode"})

// Response is the outcome of a write: an HTTP-ish status, the response body,
// and an optional location of the written object.
type Response struct {
	Status   int
	Body     object.Object
	Location string
}

// Deps carries the pipeline's collaborators.
type Deps struct {
	Store         storage.Datastore
	Schemas       *schema.Cache
	Relations     *relations.Manager
	Installations *installations.Reconciler
	Authorizer    *auth.Authorizer
	Triggers      *triggers.Registry
	Providers     *authproviders.Registry

	// FacebookAppIDs are the application ids accepted from the facebook
	// provider.
	FacebookAppIDs []string

	// Mount prefixes location headers, e.g. "/parse".
	Mount string

	Logger logger.Logger
}

type Pipeline struct {
	deps     Deps
	handlers map[string]classHandler
}

func NewPipeline(deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = logger.NewNoopLogger()
	}
	p := &Pipeline{deps: deps}
	p.handlers = map[string]classHandler{
		object.ClassInstallation: installationHandler{},
		object.ClassSession:      sessionHandler{},
		object.ClassRole:         roleHandler{},
	}
	return p
}

// write is the state of one pipeline run.
type write struct {
	p         *Pipeline
	ident     *auth.Identity
	className string

	// targetID is the object being updated; "" means create. Reserved-class
	// handlers may set it, turning a create into an update.
	targetID string

	data     object.Object
	original object.Object

	updatedAt string
	aclScope  []string

	// sessionToken is set when a session was created for a new user; it is
	// attached to the terminal response body.
	sessionToken string

	// authProvider names the external provider that authenticated a signup.
	authProvider string

	// clearSessions queues a mass session invalidation for the follow-up
	// stage.
	clearSessions bool

	response *Response
}

// Execute runs a write. targetID is the object to update, or "" to create;
// original is the pre-write object for updates, used by save hooks.
func (p *Pipeline) Execute(ctx context.Context, ident *auth.Identity, className string, targetID string, data, original object.Object) (*Response, error) {
	if data == nil {
		data = object.Object{}
	}
	if targetID == "" && data["objectId"] != nil {
		return nil, serverErrors.InvalidKeyName("objectId")
	}

	w := &write{
		p:         p,
		ident:     ident,
		className: className,
		targetID:  targetID,
		data:      data.Copy(),
		original:  original,
		updatedAt: object.EncodeISO(time.Now()),
	}
	w.data["updatedAt"] = w.updatedAt
	if w.targetID == "" {
		w.data["createdAt"] = w.updatedAt
		w.data["objectId"] = id.NewObjectID()
	}

	stages := []func(context.Context) error{
		w.computeACLScope,
		w.validateSchema,
		w.runClassHandler,
		w.runBeforeTrigger,
		w.validateUserAuthData,
		w.transformUser,
		w.persist,
		w.runFollowup,
	}
	for _, stage := range stages {
		if err := stage(ctx); err != nil {
			return nil, err
		}
	}
	w.runAfterTrigger(ctx)

	return w.response, nil
}

// computeACLScope builds the write-scoping list for non-master identities:
// the public marker, the user id, and the role closure.
func (w *write) computeACLScope(ctx context.Context) error {
	if w.ident.IsMaster {
		return nil
	}
	scope := []string{object.PublicACLKey}
	if w.ident.User != nil {
		scope = append(scope, w.ident.UserID())
		roles, err := w.p.deps.Authorizer.UserRoles(ctx, w.ident)
		if err != nil {
			return err
		}
		scope = append(scope, roles...)
	}
	w.aclScope = scope
	return nil
}

func (w *write) validateSchema(ctx context.Context) error {
	return w.p.deps.Schemas.ValidateObject(ctx, w.className, w.data)
}

func (w *write) runClassHandler(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	handler, ok := w.p.handlers[w.className]
	if !ok {
		return nil
	}
	return handler.prepareWrite(ctx, w)
}

func (w *write) runBeforeTrigger(ctx context.Context) error {
	if w.response != nil {
		return nil
	}
	replacement, err := w.p.deps.Triggers.MaybeRun(ctx, triggers.BeforeSave, w.className, w.ident, w.data, w.original)
	if err != nil {
		return err
	}
	if replacement == nil {
		return nil
	}
	// The replacement is wholesale, but identity and timestamps are ours.
	if w.targetID == "" {
		replacement = replacement.Copy()
		replacement["objectId"] = w.data["objectId"]
		replacement["createdAt"] = w.data["createdAt"]
	} else {
		replacement = replacement.Copy()
		delete(replacement, "objectId")
	}
	replacement["updatedAt"] = w.updatedAt
	w.data = replacement
	return nil
}

// persist routes the write to an update or a create, folding ACLs and
// relation operators into their stored forms.
func (w *write) persist(ctx context.Context) error {
	if w.response != nil {
		return nil
	}

	if w.className == object.ClassUser && w.targetID != "" && !w.ident.CouldUpdateUserID(w.targetID) {
		return serverErrors.SessionMissing("cannot modify user " + w.targetID)
	}

	if err := w.foldACL(); err != nil {
		return err
	}

	cleaned, edgeOps := relations.ExtractOps(w.data)
	if len(edgeOps) > 0 {
		if err := w.p.deps.Relations.Apply(ctx, w.className, w.objectID(), edgeOps); err != nil {
			return err
		}
	}
	w.data = cleaned

	if w.targetID != "" {
		return w.runUpdate(ctx)
	}
	return w.runCreate(ctx)
}

// foldACL validates a supplied ACL and derives the permission fields the
// read/write scoping filters match against. New users get a default ACL:
// owner read+write, public read.
func (w *write) foldACL() error {
	raw, supplied := w.data["ACL"]
	if !supplied && w.className == object.ClassUser && w.targetID == "" {
		raw = object.DefaultUserACL(w.objectID()).Encode()
		w.data["ACL"] = raw
		supplied = true
	}
	if !supplied {
		return nil
	}

	acl, err := object.ParseACL(raw)
	if err != nil {
		return err
	}
	if acl == nil {
		return nil
	}
	w.data[object.FieldReadPerms] = toAnySlice(acl.ReaderKeys())
	w.data[object.FieldWritePerms] = toAnySlice(acl.WriterKeys())
	return nil
}

func (w *write) runUpdate(ctx context.Context) error {
	filter := storage.Filter{"objectId": w.targetID}
	if !w.ident.IsMaster {
		writePerms := []any{
			object.Object{object.FieldWritePerms: object.Object{"$exists": false}},
		}
		for _, entry := range w.aclScope {
			writePerms = append(writePerms, object.Object{
				object.FieldWritePerms: object.Object{"$in": []any{entry}},
			})
		}
		filter = storage.Filter{"$and": []any{filter, object.Object{"$or": writePerms}}}
	}

	update := w.data.Copy()
	delete(update, "objectId")
	delete(update, "createdAt")

	result, err := w.p.deps.Store.Update(ctx, w.className, filter, update)
	if errors.Is(err, storage.ErrNotFound) {
		return serverErrors.ObjectNotFound()
	}
	if err != nil {
		return err
	}
	writesTotal.WithLabelValues("update").Inc()

	body := object.Object{"updatedAt": w.updatedAt}
	for key, value := range result.Computed {
		body[key] = value
	}
	w.response = &Response{Status: 200, Body: body}
	return nil
}

func (w *write) runCreate(ctx context.Context) error {
	if err := w.p.deps.Store.Create(ctx, w.className, w.data); err != nil {
		return err
	}
	writesTotal.WithLabelValues("create").Inc()

	body := object.Object{
		"objectId":  w.data["objectId"],
		"createdAt": w.data["createdAt"],
	}
	if w.sessionToken != "" {
		body["sessionToken"] = w.sessionToken
	}
	w.response = &Response{Status: 201, Body: body, Location: w.location()}
	return nil
}

// runFollowup drains deferred bulk effects. Draining one effect may queue
// another, so it loops until nothing is pending.
func (w *write) runFollowup(ctx context.Context) error {
	for w.clearSessions {
		w.clearSessions = false
		userFilter := storage.Filter{
			"user": object.Pointer(object.ClassUser, w.objectID()),
		}
		sessions, err := w.p.deps.Store.Find(ctx, object.ClassSession, userFilter, storage.FindOptions{Limit: -1})
		if err != nil {
			return err
		}
		if _, err := w.p.deps.Store.Destroy(ctx, object.ClassSession, userFilter); err != nil {
			return err
		}
		tokens := make([]string, 0, len(sessions))
		for _, session := range sessions {
			if token, _ := session["sessionToken"].(string); token != "" {
				tokens = append(tokens, token)
			}
		}
		w.p.deps.Authorizer.InvalidateTokens(tokens)
	}
	return nil
}

// runAfterTrigger notifies the after-save hook without awaiting it. Hook
// failures and panics are logged and swallowed.
func (w *write) runAfterTrigger(ctx context.Context) {
	log := w.p.deps.Logger
	deps := w.p.deps
	ident, className, data, original := w.ident, w.className, w.data, w.original

	ctx = context.WithoutCancel(ctx)
	go func() {
		var catcher panics.Catcher
		catcher.Try(func() {
			if _, err := deps.Triggers.MaybeRun(ctx, triggers.AfterSave, className, ident, data, original); err != nil {
				log.Warn("afterSave hook failed",
					zap.String("class", className), zap.Error(err))
			}
		})
		if recovered := catcher.Recovered(); recovered != nil {
			log.Warn("afterSave hook panicked",
				zap.String("class", className), zap.Any("panic", recovered.Value))
		}
	}()
}

// objectID is the id this write addresses, whether it came from the target
// or was minted for a create.
func (w *write) objectID() string {
	if oid := w.data.ObjectID(); oid != "" {
		return oid
	}
	return w.targetID
}

func (w *write) location() string {
	middle := "/classes/" + w.className + "/"
	if w.className == object.ClassUser {
		middle = "/users/"
	}
	return w.p.deps.Mount + middle + w.data.ObjectID()
}

func toAnySlice(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
