// Package server is the application-facing surface of the object store. It
// wires the read engine and the write pipeline for one tenant and exposes
// the operations the transport layer calls: object CRUD, schema
// introspection and mutation, global config, push, logs, and the login
// flows.
package server

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/internal/authproviders"
	"github.com/objectstack/objectstack/internal/installations"
	"github.com/objectstack/objectstack/internal/query"
	"github.com/objectstack/objectstack/internal/relations"
	"github.com/objectstack/objectstack/internal/schema"
	"github.com/objectstack/objectstack/internal/triggers"
	"github.com/objectstack/objectstack/internal/write"
	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/server/config"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/storagewrappers"
)

const sessionLifetime = 365 * 24 * time.Hour

// globalConfigID keys the single _GlobalConfig document.
const globalConfigID = "1"

// Response is what every handler produces on success.
type Response = write.Response

// Dependencies carries the injected backends. Datastore is required; the
// adapters may be nil when the corresponding surface is unused.
type Dependencies struct {
	Datastore storage.Datastore
	Push      PushAdapter
	Files     FilesAdapter
	LogStore  LoggerAdapter
	Logger    logger.Logger
}

// A Server serves one application.
type Server struct {
	cfg config.Config

	store      storage.Datastore
	schemas    *schema.Cache
	relations  *relations.Manager
	authorizer *auth.Authorizer
	engine     *query.Engine
	pipeline   *write.Pipeline
	triggers   *triggers.Registry

	push     PushAdapter
	files    FilesAdapter
	logStore LoggerAdapter
	logger   logger.Logger
}

// New wires a Server for the given tenant.
func New(deps Dependencies, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoopLogger()
	}

	store := deps.Datastore
	if cfg.CollectionPrefix != "" {
		store = storagewrappers.NewPrefixedDatastore(store, cfg.CollectionPrefix)
	}

	schemas := schema.NewCache(store, log)
	rel := relations.NewManager(store)
	reconciler := installations.NewReconciler(store)

	var authorizerOpts []auth.AuthorizerOption
	if cfg.SessionCacheSize > 0 {
		authorizerOpts = append(authorizerOpts, auth.WithSessionCacheSize(cfg.SessionCacheSize))
	}
	authorizer, err := auth.NewAuthorizer(store, nil, log, authorizerOpts...)
	if err != nil {
		return nil, err
	}
	engine := query.NewEngine(store, schemas, rel, authorizer, log)
	authorizer.SetRoleQuerier(engine)

	providers := authproviders.NewRegistry()
	if cfg.EnableAnonymousUsers {
		providers.Register("anonymous", authproviders.Anonymous{})
	}
	providers.Register("facebook", authproviders.NewFacebook())

	hooks := triggers.NewRegistry()
	pipeline := write.NewPipeline(write.Deps{
		Store:          store,
		Schemas:        schemas,
		Relations:      rel,
		Installations:  reconciler,
		Authorizer:     authorizer,
		Triggers:       hooks,
		Providers:      providers,
		FacebookAppIDs: cfg.FacebookAppIDs,
		Mount:          cfg.Mount,
		Logger:         log,
	})

	return &Server{
		cfg:        cfg,
		store:      store,
		schemas:    schemas,
		relations:  rel,
		authorizer: authorizer,
		engine:     engine,
		pipeline:   pipeline,
		triggers:   hooks,
		push:       deps.Push,
		files:      deps.Files,
		logStore:   deps.LogStore,
		logger:     log,
	}, nil
}

// Triggers exposes the hook registry so embedders can register before/after
// save functions at startup.
func (s *Server) Triggers() *triggers.Registry { return s.triggers }

// Close releases the session cache and the datastore.
func (s *Server) Close() {
	s.authorizer.Close()
	s.store.Close()
}

// Identify resolves the caller's identity from the provided application key
// and session token. The master key yields the master identity; a client or
// REST key yields the identity behind the session token, or nobody when the
// token is absent.
func (s *Server) Identify(ctx context.Context, key, sessionToken string) (*auth.Identity, error) {
	if key != "" && key == s.cfg.MasterKey {
		return auth.Master(), nil
	}
	clientKey := key != "" && (key == s.cfg.ClientKey || key == s.cfg.RESTAPIKey)
	if !clientKey {
		return nil, serverErrors.OperationForbidden("unauthorized")
	}
	return s.authorizer.ForSessionToken(ctx, sessionToken)
}

// HandleFind runs a scoped query against a class.
func (s *Server) HandleFind(ctx context.Context, ident *auth.Identity, className string, where object.Object, opts query.Options) (*Response, error) {
	result, err := s.engine.Find(ctx, ident, className, where, opts)
	if err != nil {
		return nil, err
	}
	if result.Results == nil {
		result.Results = []object.Object{}
	}
	body := object.Object{"results": result.Results}
	if opts.Count {
		body["count"] = result.Count
	}
	return &Response{Status: 200, Body: body}, nil
}

// HandleGet fetches one object by id.
func (s *Server) HandleGet(ctx context.Context, ident *auth.Identity, className, objectID string) (*Response, error) {
	obj, err := s.engine.Get(ctx, ident, className, objectID)
	if err != nil {
		return nil, err
	}
	return &Response{Status: 200, Body: obj}, nil
}

// HandleCreate writes a new object through the pipeline.
func (s *Server) HandleCreate(ctx context.Context, ident *auth.Identity, className string, data object.Object) (*Response, error) {
	return s.pipeline.Execute(ctx, ident, className, "", data, nil)
}

// HandleUpdate updates an existing object through the pipeline. The current
// object is fetched first so save hooks see the original; an object the
// caller cannot read cannot be updated.
func (s *Server) HandleUpdate(ctx context.Context, ident *auth.Identity, className, objectID string, data object.Object) (*Response, error) {
	original, err := s.engine.Get(ctx, ident, className, objectID)
	if err != nil {
		return nil, err
	}
	return s.pipeline.Execute(ctx, ident, className, objectID, data, original)
}

// HandleDelete removes one object. Non-master callers only reach objects
// their write ACL scope covers.
func (s *Server) HandleDelete(ctx context.Context, ident *auth.Identity, className, objectID string) (*Response, error) {
	if !schema.ClassNameIsValid(className) {
		return nil, serverErrors.InvalidClassName(className)
	}

	var sessionToken string
	if className == object.ClassSession {
		// Invalidate the cached token once the record is gone.
		records, err := s.store.Find(ctx, className, storage.Filter{"objectId": objectID}, storage.FindOptions{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(records) == 1 {
			sessionToken, _ = records[0]["sessionToken"].(string)
		}
	}

	filter := storage.Filter{"objectId": objectID}
	if !ident.IsMaster {
		scope, err := s.writeScope(ctx, ident)
		if err != nil {
			return nil, err
		}
		filter = storage.Filter{"$and": []any{filter, scope}}
	}
	count, err := s.store.Destroy(ctx, className, filter)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, serverErrors.New(serverErrors.CodeObjectNotFound, "Object not found for delete.")
	}
	if sessionToken != "" {
		s.authorizer.Invalidate(sessionToken)
	}
	return &Response{Status: 200, Body: object.Object{}}, nil
}

// writeScope builds the write ACL disjunction for a non-master identity.
func (s *Server) writeScope(ctx context.Context, ident *auth.Identity) (object.Object, error) {
	scope := []string{"*"}
	if userID := ident.UserID(); userID != "" {
		scope = append(scope, userID)
	}
	roles, err := s.authorizer.UserRoles(ctx, ident)
	if err != nil {
		return nil, err
	}
	scope = append(scope, roles...)

	writePerms := []any{
		object.Object{object.FieldWritePerms: object.Object{"$exists": false}},
	}
	for _, entry := range scope {
		writePerms = append(writePerms, object.Object{
			object.FieldWritePerms: object.Object{"$in": []any{entry}},
		})
	}
	return object.Object{"$or": writePerms}, nil
}

// HandleGetAllSchemas lists every known class schema. Master only.
func (s *Server) HandleGetAllSchemas(ctx context.Context, ident *auth.Identity) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	snapshot, err := s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	names := snapshot.ClassNames()
	sort.Strings(names)
	results := make([]object.Object, 0, len(names))
	for _, name := range names {
		results = append(results, schemaPayload(snapshot, name))
	}
	return &Response{Status: 200, Body: object.Object{"results": results}}, nil
}

// HandleGetSchema returns one class schema. Master only.
func (s *Server) HandleGetSchema(ctx context.Context, ident *auth.Identity, className string) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if !schema.ClassNameIsValid(className) {
		return nil, serverErrors.InvalidClassName(className)
	}
	snapshot, err := s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !snapshot.HasClass(className) {
		return nil, serverErrors.Newf(serverErrors.CodeInvalidClassName, "class %s does not exist", className)
	}
	return &Response{Status: 200, Body: schemaPayload(snapshot, className)}, nil
}

// HandleCreateSchema records a new class with the given field type tags.
// Master only; the class must not already exist.
func (s *Server) HandleCreateSchema(ctx context.Context, ident *auth.Identity, className string, fields map[string]string) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if !schema.ClassNameIsValid(className) {
		return nil, serverErrors.InvalidClassName(className)
	}
	snapshot, err := s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	if snapshot.HasClass(className) {
		return nil, serverErrors.Newf(serverErrors.CodeInvalidClassName, "class %s already exists", className)
	}

	doc := object.Object{"_id": className}
	for name, tag := range fields {
		if !schema.FieldNameIsValid(name) {
			return nil, serverErrors.InvalidKeyName(name)
		}
		doc[name] = tag
	}
	if err := s.store.Create(ctx, object.ClassSchema, doc); err != nil {
		return nil, err
	}
	s.schemas.Invalidate()

	snapshot, err = s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Status: 201, Body: schemaPayload(snapshot, className)}, nil
}

// HandleModifySchema adds fields to an existing class. Additions only; a
// field already recorded with a different type is rejected.
func (s *Server) HandleModifySchema(ctx context.Context, ident *auth.Identity, className string, fields map[string]string) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if !schema.ClassNameIsValid(className) {
		return nil, serverErrors.InvalidClassName(className)
	}
	snapshot, err := s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !snapshot.HasClass(className) {
		return nil, serverErrors.Newf(serverErrors.CodeInvalidClassName, "class %s does not exist", className)
	}

	additions := object.Object{}
	for name, tag := range fields {
		if !schema.FieldNameIsValid(name) {
			return nil, serverErrors.InvalidKeyName(name)
		}
		existing := snapshot.ExpectedType(className, name)
		if existing == tag {
			continue
		}
		if existing != "" {
			return nil, serverErrors.Newf(serverErrors.CodeIncorrectType,
				"field %s of class %s is already typed %s", name, className, existing)
		}
		additions[name] = tag
	}
	if len(additions) > 0 {
		if _, err := s.store.Update(ctx, object.ClassSchema, storage.Filter{"_id": className}, additions); err != nil {
			return nil, err
		}
		s.schemas.Invalidate()
	}

	snapshot, err = s.schemas.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Status: 200, Body: schemaPayload(snapshot, className)}, nil
}

// HandleDeleteSchema drops a class that holds no objects.
func (s *Server) HandleDeleteSchema(ctx context.Context, ident *auth.Identity, className string) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if !schema.ClassNameIsValid(className) {
		return nil, serverErrors.InvalidClassName(className)
	}
	count, err := s.store.Count(ctx, className, storage.Filter{})
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, serverErrors.ClassNotEmpty(className)
	}
	if _, err := s.store.Destroy(ctx, object.ClassSchema, storage.Filter{"_id": className}); err != nil {
		return nil, err
	}
	s.schemas.Invalidate()
	return &Response{Status: 200, Body: object.Object{}}, nil
}

func schemaPayload(snapshot *schema.Schema, className string) object.Object {
	fields := object.Object{}
	for name, tag := range snapshot.Fields(className) {
		fields[name] = tag
	}
	return object.Object{"className": className, "fields": fields}
}

func requireMaster(ident *auth.Identity) error {
	if ident == nil || !ident.IsMaster {
		return serverErrors.OperationForbidden("unauthorized: master key is required")
	}
	return nil
}

// HandleGetGlobalConfig returns the application's key-value parameters.
func (s *Server) HandleGetGlobalConfig(ctx context.Context) (*Response, error) {
	records, err := s.store.Find(ctx, object.ClassGlobalConfig, storage.Filter{"objectId": globalConfigID}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	params := object.Object{}
	if len(records) == 1 {
		if stored, ok := object.AsMap(records[0]["params"]); ok {
			params = stored
		}
	}
	return &Response{Status: 200, Body: object.Object{"params": params}}, nil
}

// HandleUpdateGlobalConfig merges the given parameters into the global
// config document. Master only; a nil value removes the key.
func (s *Server) HandleUpdateGlobalConfig(ctx context.Context, ident *auth.Identity, params object.Object) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	current, err := s.HandleGetGlobalConfig(ctx)
	if err != nil {
		return nil, err
	}
	merged, _ := object.AsMap(current.Body["params"])
	if merged == nil {
		merged = object.Object{}
	}
	for key, value := range params {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = value
	}
	_, err = s.store.Update(ctx, object.ClassGlobalConfig, storage.Filter{"objectId": globalConfigID}, object.Object{"params": merged})
	if errors.Is(err, storage.ErrNotFound) {
		err = s.store.Create(ctx, object.ClassGlobalConfig, object.Object{
			"objectId": globalConfigID,
			"params":   merged,
		})
	}
	if err != nil {
		return nil, err
	}
	return &Response{Status: 200, Body: object.Object{"result": true}}, nil
}

// HandleCreateFile stores an uploaded file through the files adapter under
// a collision-free name and returns its public URL.
func (s *Server) HandleCreateFile(ctx context.Context, filename string, data []byte, contentType string) (*Response, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") {
		return nil, serverErrors.InvalidFileName(filename)
	}
	if s.files == nil {
		return nil, serverErrors.New(serverErrors.CodeCommandUnavailable, "files adapter is not configured")
	}
	name := id.NewObjectID() + "-" + filename
	url, err := s.files.CreateFile(ctx, name, data, contentType)
	if err != nil {
		return nil, serverErrors.FileSaveError(err.Error())
	}
	return &Response{Status: 201, Body: object.Object{"url": url, "name": name}, Location: url}, nil
}

// HandleSendPush queries the matching installations and hands them to the
// push adapter. Delivery failures are logged and dropped; the request
// succeeds once the targets are resolved.
func (s *Server) HandleSendPush(ctx context.Context, ident *auth.Identity, where, payload object.Object) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if s.push == nil {
		return nil, serverErrors.PushMisconfigured("push adapter is not configured")
	}
	installationsList, err := s.engine.FindAsMaster(ctx, object.ClassInstallation, where, storage.FindOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	if err := s.push.Send(ctx, payload, installationsList); err != nil {
		s.logger.Warn("push delivery failed",
			zap.Int("installations", len(installationsList)),
			zap.Error(err))
	}
	return &Response{Status: 200, Body: object.Object{"result": true}}, nil
}

// HandleQueryLogs reads stored server logs through the logger adapter.
func (s *Server) HandleQueryLogs(ctx context.Context, ident *auth.Identity, opts LogQueryOptions) (*Response, error) {
	if err := requireMaster(ident); err != nil {
		return nil, err
	}
	if s.logStore == nil {
		return nil, serverErrors.New(serverErrors.CodeCommandUnavailable, "logger adapter is not configured")
	}
	entries, err := s.logStore.Query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []object.Object{}
	}
	return &Response{Status: 200, Body: object.Object{"results": entries}}, nil
}

// HandleLogIn verifies a username/password pair and mints a new revocable
// session. The response carries the user in REST format plus the fresh
// sessionToken.
func (s *Server) HandleLogIn(ctx context.Context, username, password, installationID string) (*Response, error) {
	if username == "" {
		return nil, serverErrors.UsernameMissing()
	}
	if password == "" {
		return nil, serverErrors.PasswordMissing()
	}
	records, err := s.store.Find(ctx, object.ClassUser, storage.Filter{"username": username}, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, serverErrors.New(serverErrors.CodeObjectNotFound, "Invalid username/password.")
	}
	user := records[0]
	hashed, _ := user[object.FieldHashedPassword].(string)
	if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) != nil {
		return nil, serverErrors.New(serverErrors.CodeObjectNotFound, "Invalid username/password.")
	}

	token := id.NewSessionToken()
	sessionData := object.Object{
		"sessionToken": token,
		"user":         object.Pointer(object.ClassUser, user.ObjectID()),
		"createdWith": object.Object{
			"action":       "login",
			"authProvider": write.PasswordProvider,
		},
		"restricted": false,
		"expiresAt":  object.EncodeDate(time.Now().Add(sessionLifetime)),
	}
	if installationID != "" {
		sessionData["installationId"] = installationID
	}
	if _, err := s.pipeline.Execute(ctx, auth.Master(), object.ClassSession, "", sessionData, nil); err != nil {
		return nil, err
	}

	body := write.PresentUser(user)
	body["sessionToken"] = token
	return &Response{Status: 200, Body: body}, nil
}

// HandleLogOut destroys the session behind the token and drops it from the
// session cache. Logging out an unknown token fails with 209.
func (s *Server) HandleLogOut(ctx context.Context, sessionToken string) (*Response, error) {
	if sessionToken == "" {
		return nil, serverErrors.InvalidSessionToken()
	}
	count, err := s.store.Destroy(ctx, object.ClassSession, storage.Filter{"sessionToken": sessionToken})
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, serverErrors.InvalidSessionToken()
	}
	s.authorizer.Invalidate(sessionToken)
	return &Response{Status: 200, Body: object.Object{}}, nil
}

// HandleMe returns the user behind a session token.
func (s *Server) HandleMe(ctx context.Context, sessionToken string) (*Response, error) {
	ident, err := s.authorizer.ForSessionToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if ident.User == nil {
		return nil, serverErrors.InvalidSessionToken()
	}
	body := write.PresentUser(ident.User)
	body["sessionToken"] = sessionToken
	return &Response{Status: 200, Body: body}, nil
}
