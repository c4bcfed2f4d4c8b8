package apperr

var (
	// Domain errors returned by the chat service
	ErrInvalidParticipant   = InvalidArg("participants must be two distinct, existing users")
	ErrInvalidUser          = InvalidArg("user id is malformed or unknown")
	ErrInvalidConversation  = InvalidArg("conversation id is malformed")
	ErrInvalidMessage       = InvalidArg("message id is malformed")
	ErrEmptyText            = InvalidArg("message text is required")
	ErrTextTooLong          = InvalidArg("message text exceeds 4096 bytes")
	ErrConversationNotFound = NotFound("conversation not found")
	ErrMessageNotFound      = NotFound("message not found")
	ErrNotParticipant       = Forbidden("user is not a participant of this conversation")
)

// Domain errors returned by the user service
var (
	ErrUsernameTaken      = Conflict("username is already taken")
	ErrInvalidUsername    = InvalidArg("username must be 3-32 chars, lowercase letters, numbers and underscores only")
	ErrInvalidPassword    = InvalidArg("password must be at least 8 characters")
	ErrInvalidCredentials = Unauthorized("invalid credentials")
	ErrInvalidToken       = Unauthorized("invalid token")
)
