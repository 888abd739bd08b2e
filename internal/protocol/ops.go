package protocol

// Operations a connected client may call.
const (
	OpSendMessage       = "send_message"
	OpEditMessage       = "edit_message"
	OpDeleteMessage     = "delete_message"
	OpAddReaction       = "add_reaction"
	OpRemoveReaction    = "remove_reaction"
	OpGetMessages       = "get_messages"
	OpLeaveRoom         = "leave_room"
	OpKickMember        = "kick_member"
	OpClearRoom         = "clear_room"
	OpVoiceJoin         = "voice_join"
	OpVoiceLeave        = "voice_leave"
	OpVoiceMute         = "voice_mute"
	OpVoiceUnmute       = "voice_unmute"
	OpVoiceDeafen       = "voice_deafen"
	OpVoiceUndeafen     = "voice_undeafen"
	OpVideoEnable       = "video_enable"
	OpVideoDisable      = "video_disable"
	OpStreamEnable      = "stream_enable"
	OpStreamDisable     = "stream_disable"
	OpVoiceSignal       = "voice_signal"
	OpVideoSignal       = "video_signal"
	OpStreamSignal      = "stream_signal"
	OpStreamWatch       = "stream_watch"
	OpStreamUnwatch     = "stream_unwatch"
	OpVoiceParticipants = "voice_participants"
	OpPing              = "ping"
)

// Events pushed by the server.
const (
	EventMessageSent     = "message_sent"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventReactionAdded   = "reaction_added"
	EventReactionRemoved = "reaction_removed"
	EventMemberJoined    = "member_joined"
	EventMemberLeft      = "member_left"
	EventMemberKicked    = "member_kicked"
	EventFileDeleted     = "file_deleted"
	EventRoomCleared     = "room_cleared"
	EventLinkPreview     = "link_preview"
	EventPresence        = "presence"

	EventVoiceJoined     = "voice_joined"
	EventVoiceLeft       = "voice_left"
	EventVoiceMuted      = "voice_muted"
	EventVoiceUnmuted    = "voice_unmuted"
	EventVoiceDeafened   = "voice_deafened"
	EventVoiceUndeafened = "voice_undeafened"
	EventVideoEnabled    = "video_enabled"
	EventVideoDisabled   = "video_disabled"
	EventStreamEnabled   = "stream_enabled"
	EventStreamDisabled  = "stream_disabled"
	EventVoiceSignal     = "voice_signal"
	EventVideoSignal     = "video_signal"
	EventStreamSignal    = "stream_signal"
)
