// Package installations reconciles device installation writes. A device can
// legitimately reappear under a new installation id or device token, so an
// incoming write is matched against existing records and either redirected
// onto one of them or allowed through after stale matches are cleaned up.
package installations

import (
	"context"
	"strings"

	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
)

// iOS device tokens are 64 hex characters and case-insensitive.
const iosDeviceTokenLength = 64

type Reconciler struct {
	store storage.Datastore
}

func NewReconciler(store storage.Datastore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile normalizes an installation payload and decides which record the
// write should land on. It returns the cleaned payload and the object id to
// update; an empty id means a fresh record should be created. targetID is
// the id of an explicit update, or "" for a create.
func (r *Reconciler) Reconcile(ctx context.Context, payload object.Object, targetID string) (object.Object, string, error) {
	data := payload.Copy()

	deviceToken, _ := data["deviceToken"].(string)
	installationID, _ := data["installationId"].(string)
	deviceType, _ := data["deviceType"].(string)

	if targetID == "" && deviceToken == "" && installationID == "" {
		return nil, "", serverErrors.MissingDeviceField("at least one ID field (deviceToken, installationId) must be specified in this operation")
	}
	if targetID == "" && deviceType == "" {
		return nil, "", serverErrors.MissingDeviceField("deviceType must be specified in this operation")
	}

	if len(deviceToken) == iosDeviceTokenLength {
		deviceToken = strings.ToLower(deviceToken)
		data["deviceToken"] = deviceToken
	}
	if installationID != "" {
		installationID = strings.ToLower(installationID)
		data["installationId"] = installationID
	}

	if deviceToken != "" && deviceType == "android" {
		return nil, "", serverErrors.InvalidDeviceToken("deviceToken may not be set for deviceType android")
	}

	if targetID != "" {
		if err := r.checkImmutableFields(ctx, data, targetID); err != nil {
			return nil, "", err
		}
	}

	redirectID, err := r.matchExisting(ctx, data, deviceToken, installationID)
	if err != nil {
		return nil, "", err
	}
	if redirectID != "" {
		delete(data, "objectId")
		delete(data, "createdAt")
		targetID = redirectID
	}
	return data, targetID, nil
}

// checkImmutableFields rejects updates that try to move an installation to a
// different device identity.
func (r *Reconciler) checkImmutableFields(ctx context.Context, data object.Object, targetID string) error {
	results, err := r.store.Find(ctx, object.ClassInstallation,
		storage.Filter{"objectId": targetID}, storage.FindOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return serverErrors.New(serverErrors.CodeObjectNotFound, "Object not found for update.")
	}
	existing := results[0]

	newInstallationID, _ := data["installationId"].(string)
	oldInstallationID, _ := existing["installationId"].(string)
	if newInstallationID != "" && oldInstallationID != "" && newInstallationID != oldInstallationID {
		return serverErrors.ImmutableDevice("installationId may not be changed in this operation")
	}

	newToken, _ := data["deviceToken"].(string)
	oldToken, _ := existing["deviceToken"].(string)
	if newToken != "" && oldToken != "" && newToken != oldToken &&
		newInstallationID == "" && oldInstallationID == "" {
		return serverErrors.ImmutableDevice("deviceToken may not be changed in this operation")
	}

	newType, _ := data["deviceType"].(string)
	oldType, _ := existing["deviceType"].(string)
	if newType != "" && newType != oldType {
		return serverErrors.ImmutableDevice("deviceType may not be changed in this operation")
	}
	return nil
}

// matchExisting implements the merge decision table. It returns the id of
// the record the write should be redirected to, or "" when a new record (or
// the original target) should be used.
func (r *Reconciler) matchExisting(ctx context.Context, data object.Object, deviceToken, installationID string) (string, error) {
	var installationMatch object.Object
	if installationID != "" {
		results, err := r.store.Find(ctx, object.ClassInstallation,
			storage.Filter{"installationId": installationID}, storage.FindOptions{})
		if err != nil {
			return "", err
		}
		if len(results) > 0 {
			installationMatch = results[0]
		}
	}

	var deviceTokenMatches []object.Object
	if deviceToken != "" {
		results, err := r.store.Find(ctx, object.ClassInstallation,
			storage.Filter{"deviceToken": deviceToken}, storage.FindOptions{Limit: -1})
		if err != nil {
			return "", err
		}
		deviceTokenMatches = results
	}

	if installationMatch == nil {
		switch {
		case len(deviceTokenMatches) == 0:
			return "", nil
		case len(deviceTokenMatches) == 1 &&
			(stringField(deviceTokenMatches[0], "installationId") == "" || installationID == ""):
			// Single token match where either side lacks an installation id;
			// land the write on the match.
			return deviceTokenMatches[0].ObjectID(), nil
		case installationID == "":
			return "", serverErrors.AmbiguousDevice("Must specify installationId when deviceToken matches multiple Installation objects")
		default:
			// Several token matches, or one whose installation id disagrees.
			// Clear them out and let a fresh record be created.
			if err := r.destroyStaleTokenMatches(ctx, data, deviceToken, installationID); err != nil {
				return "", err
			}
			return "", nil
		}
	}

	if len(deviceTokenMatches) == 1 && stringField(deviceTokenMatches[0], "installationId") == "" {
		// The token match has no installation id; merge into it and drop the
		// record that matched by installation id.
		_, err := r.store.Destroy(ctx, object.ClassInstallation,
			storage.Filter{"objectId": installationMatch.ObjectID()})
		if err != nil {
			return "", err
		}
		return deviceTokenMatches[0].ObjectID(), nil
	}

	if deviceToken != "" && stringField(installationMatch, "deviceToken") != deviceToken {
		// The installation is moving to a new device token; clean out other
		// records already holding that token.
		if err := r.destroyStaleTokenMatches(ctx, data, deviceToken, installationID); err != nil {
			return "", err
		}
	}
	return installationMatch.ObjectID(), nil
}

func (r *Reconciler) destroyStaleTokenMatches(ctx context.Context, data object.Object, deviceToken, installationID string) error {
	filter := storage.Filter{
		"deviceToken":    deviceToken,
		"installationId": object.Object{"$ne": installationID},
	}
	if appID, _ := data["appIdentifier"].(string); appID != "" {
		filter["appIdentifier"] = appID
	}
	_, err := r.store.Destroy(ctx, object.ClassInstallation, filter)
	return err
}

func stringField(obj object.Object, key string) string {
	s, _ := obj[key].(string)
	return s
}
