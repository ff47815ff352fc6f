package envelope

// Kind identifies the payload schema of an envelope.
type Kind string

// The closed set of envelope kinds understood by this client.
const (
	KindFriendRequest      Kind = "friend_request"
	KindFriendResponse     Kind = "friend_response"
	KindFriendAcceptAck    Kind = "friend_accept_ack"
	KindChatMessage        Kind = "chat_message"
	KindGroupInvite        Kind = "group_invite"
	KindGroupInviteAccept  Kind = "group_invite_accept"
	KindGroupInviteDecline Kind = "group_invite_decline"
	KindGroupMessage       Kind = "group_message"
	KindGroupKeyRotation   Kind = "group_key_rotation"
	KindGroupMemberRemoved Kind = "group_member_removed"
	KindMessageStatus      Kind = "message_status"
	KindTypingIndicator    Kind = "typing_indicator"
	KindCallOffer          Kind = "call_offer"
	KindCallAnswer         Kind = "call_answer"
	KindCallCandidate      Kind = "call_candidate"
	KindCallEnd            Kind = "call_end"
	KindCommunityEvent     Kind = "community_event"
	KindDMFileEvent        Kind = "dm_file_event"
	KindAccountMetadata    Kind = "account_metadata"
	KindPresenceOnline     Kind = "presence_online"
	KindPresenceAck        Kind = "presence_ack"
)
