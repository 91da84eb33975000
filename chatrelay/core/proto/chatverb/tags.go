package chatverb

// Server-bound event tags.
const (
	TagAttemptLogin           = "ATTEMPT_LOGIN"
	TagAttemptSignUp          = "ATTEMPT_SIGN_UP"
	TagRequestChatsList       = "REQUEST_CHATS_LIST"
	TagRequestInitialMessages = "REQUEST_INITIAL_MESSAGES"
	TagRequestGetMessages     = "REQUEST_GET_MESSAGES"
	TagRequestSendMessage     = "REQUEST_SEND_MESSAGE"
	TagRequestSearchForUsers  = "REQUEST_SEARCH_FOR_USERS"
	TagRequestCreateChat      = "REQUEST_CREATE_CHAT"
	TagRequestMissingKeys     = "REQUEST_MISSING_KEYS"
	TagE2EHandshake           = "E2E_HANDSHAKE"
)

// Client-bound event tags.
const (
	TagLoginResult                  = "LOGIN_RESULT"
	TagSignUpResult                 = "SIGN_UP_RESULT"
	TagRequestChatsListFilled       = "REQUEST_CHATS_LIST_FILLED"
	TagNewChatCreated               = "NEW_CHAT_CREATED"
	TagRequestInitialMessagesFilled = "REQUEST_INITIAL_MESSAGES_FILLED"
	TagRequestGetMessagesFilled     = "REQUEST_GET_MESSAGES_FILLED"
	TagRequestSendMessageFilled     = "REQUEST_SEND_MESSAGE_FILLED"
	TagRequestSearchForUsersFilled  = "REQUEST_SEARCH_FOR_USERS_FILLED"
	TagCreateNewKeys                = "CREATE_NEW_KEYS"
)

// E2E handshake actions carried in the "action" field of TagE2EHandshake.
const (
	ActionInitRecv  = "INIT_RECV"
	ActionInitSend  = "INIT_SEND"
	ActionFinalSend = "FINAL_SEND"
	ActionFinalRecv = "FINAL_RECV"
)
