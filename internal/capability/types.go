package capability

import "github.com/kingrea/employee/internal/plan"

// Capability names used by the pipeline. Each task type resolves to exactly one.
const (
	Mail      = "mail"
	Browser   = "browser"
	Messaging = "messaging"
	Payment   = "payment"
	Calendar  = "calendar"
	File      = "file"
	General   = "general"
)

var byType = map[plan.Type]string{
	plan.TypeEmail:           Mail,
	plan.TypeLinkedInPost:    Browser,
	plan.TypeLinkedInMessage: Browser,
	plan.TypeWhatsApp:        Messaging,
	plan.TypePayment:         Payment,
	plan.TypeCalendar:        Calendar,
	plan.TypeFileOperation:   File,
	plan.TypeGeneral:         General,
}

// ForType returns the capability that executes a task type.
func ForType(t plan.Type) (string, bool) {
	name, ok := byType[t]
	return name, ok
}

// Names returns every capability name a task type can resolve to.
func Names() []string {
	return []string{Mail, Browser, Messaging, Payment, Calendar, File, General}
}

// Operation returns the operation name sent to the provider for a task type.
func Operation(t plan.Type) string {
	switch t {
	case plan.TypeEmail:
		return "send_email"
	case plan.TypeLinkedInPost:
		return "publish_post"
	case plan.TypeLinkedInMessage:
		return "send_linkedin_message"
	case plan.TypeWhatsApp:
		return "send_message"
	case plan.TypePayment:
		return "make_payment"
	case plan.TypeCalendar:
		return "create_event"
	case plan.TypeFileOperation:
		return "process_file"
	default:
		return "execute"
	}
}
