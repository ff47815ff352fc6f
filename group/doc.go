// Package group manages group membership and the shared symmetric key
// epochs protecting group messages.
//
// Every membership removal rotates the group key: a new epoch with an
// incremented key version is wrapped individually for each remaining
// member, so a removed member's last-known key can never decrypt
// messages tagged with the new version. Messages carry the key version
// they were encrypted under, letting receivers pick the right epoch even
// when rotation and message delivery race.
package group
