package transport

import pserrors "github.com/open62541-go/pubsub-core/pkg/pubsub/errors"

// ErrUnknownProfile reports a Config.Profile with no registered Opener.
func ErrUnknownProfile(profile Profile) error {
	return pserrors.ErrInvalidArgument("unknown transport profile: "+string(profile), nil)
}
