package shared

const (
	USER_AGENT = "Lightshow/1.0 <github.com/marcus-crane/lightshow>"

	// SSE stream carrying show-level notices that are not tied to a single browser client
	STREAM_ANNOUNCEMENTS = "announcements"

	ROLE_ADMIN = "admin"
	ROLE_DJ    = "dj"
)
