package envelope

import "github.com/sirupsen/logrus"

// CommunityResolver looks up the origin identifier of a local community
// record. Communities imported or joined from another peer carry the ID of
// the record they were copied from; that origin ID is the canonical
// identifier all peers key their state off.
type CommunityResolver interface {
	// OriginID returns the origin identifier for a local community ID, or
	// "" if the local record is itself the origin.
	OriginID(localID string) (string, error)
}

// ResolveCanonicalCommunityID substitutes the origin identifier for a
// local community ID when one exists, so that peers who joined through
// different copies of a federated community agree on a single ID.
//
// The lookup is best-effort: on resolver failure the local ID is returned
// so the broadcast proceeds rather than aborting.
func ResolveCanonicalCommunityID(resolver CommunityResolver, localID string) string {
	if resolver == nil {
		return localID
	}

	originID, err := resolver.OriginID(localID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "ResolveCanonicalCommunityID",
			"community_id": localID,
			"error":        err.Error(),
		}).Warn("Origin lookup failed, falling back to local community ID")
		return localID
	}
	if originID == "" {
		return localID
	}
	return originID
}
