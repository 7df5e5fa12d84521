package authproviders

import (
	"context"
	"fmt"

	"github.com/objectstack/objectstack/pkg/object"
)

// Anonymous accepts any payload carrying an id. The id is minted by the
// client and only has to be stable, not secret.
type Anonymous struct{}

func (Anonymous) ValidateAuthData(_ context.Context, authData object.Object) error {
	if id, _ := authData["id"].(string); id == "" {
		return fmt.Errorf("anonymous auth data missing id")
	}
	return nil
}

func (Anonymous) ValidateAppID(context.Context, []string, object.Object) error {
	return nil
}
