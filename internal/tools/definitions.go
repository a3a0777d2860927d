// Package tools executes the backend-invocable actions of the voice agent:
// webhook-backed workflows on an automation instance, plus a handful of
// purely local informational lookups.
package tools

// Definition describes one tool in the function-calling schema the realtime
// backend expects inside its session configuration.
type Definition struct {
	Type        string     `json:"type"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Parameters  Parameters `json:"parameters"`
}

type Parameters struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

// endpoints maps remote tool names to their webhook paths on the automation
// instance. Tools absent here are either local or unknown.
var endpoints = map[string]string{
	"station_verification":  "/station-verification",
	"user_management":       "/user-management",
	"verify_rfid":           "/verify-rfid",
	"get_rfid":              "/get-rfid",
	"remote_control":        "/remote-control",
	"check_cdrs":            "/check-cdrs",
	"check_invoice":         "/check-invoice",
	"invoice_sending_agent": "/invoice-sending",
	"charge_station_tariff": "/station-tariff",
	"priority":              "/priority-escalation",
}

// GuideToolName resolves against the local topic guide instead of the network.
const GuideToolName = "app_guide"

// Definitions returns the full tool list advertised to the realtime backend.
func Definitions() []Definition {
	str := func(desc string) Property { return Property{Type: "string", Description: desc} }
	return []Definition{
		{
			Type:        "function",
			Name:        "station_verification",
			Description: "Verify the status of a charging station. Returns whether the station is operative or inoperative. Can search by station name, station ID, or area/location name.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"station_name": str("The name, ID, or area/location of the charging station to verify"),
				},
				Required: []string{"station_name"},
			},
		},
		{
			Type:        "function",
			Name:        "user_management",
			Description: "Look up a user by name or verify their identity using the last 4 digits of their credit card.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"name":          str("The full name of the user to search for"),
					"user_id":       str("The user ID (if already known from a previous lookup)"),
					"last_4_digits": str("The last 4 digits of the credit card for verification"),
				},
				Required: []string{},
			},
		},
		{
			Type:        "function",
			Name:        "verify_rfid",
			Description: "Verify if an RFID card is active and valid for charging.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"rfid_number": str("The RFID card number printed on the card"),
				},
				Required: []string{"rfid_number"},
			},
		},
		{
			Type:        "function",
			Name:        "get_rfid",
			Description: "Get RFID and billing status for a user by their user ID.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"user_id":      str("The user ID to look up"),
					"station_name": str("The name or ID of the charging station (optional)"),
					"connector_id": str("The connector number (optional)"),
				},
				Required: []string{"user_id", "station_name", "connector_id"},
			},
		},
		{
			Type:        "function",
			Name:        "remote_control",
			Description: "Remotely start or stop a charging session on a specific connector.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"station_id":   str("The charging station ID"),
					"connector_id": str("The connector number to control"),
					"action":       {Type: "string", Description: "The action to perform: start or stop charging", Enum: []string{"start", "stop"}},
					"user_id":      str("The user ID for the charging session"),
					"rfid_number":  str("The RFID card number if applicable"),
				},
				Required: []string{"station_id", "connector_id", "action", "rfid_number"},
			},
		},
		{
			Type:        "function",
			Name:        "check_cdrs",
			Description: "Check charging session history (CDRs - Charge Detail Records) for a user.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"user_id": str("The user ID to look up charging history for"),
					"limit":   {Type: "number", Description: "Maximum number of records to return (default: 5)"},
				},
				Required: []string{"user_id"},
			},
		},
		{
			Type:        "function",
			Name:        "check_invoice",
			Description: "Retrieve invoice information for a user.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"user_id": str("The user ID to look up invoices for"),
				},
				Required: []string{"user_id"},
			},
		},
		{
			Type:        "function",
			Name:        "invoice_sending_agent",
			Description: "Send invoice or CDR download link to the user via email or SMS.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"user_id": str("The user ID"),
					"type":    {Type: "string", Description: "Type of document to send", Enum: []string{"invoice", "cdr"}},
				},
				Required: []string{"user_id", "type"},
			},
		},
		{
			Type:        "function",
			Name:        "charge_station_tariff",
			Description: "Get the tariff/pricing information for a charging station.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"station_id": str("The charging station ID"),
				},
				Required: []string{"station_id"},
			},
		},
		{
			Type:        "function",
			Name:        "priority",
			Description: "Escalate the call to a human agent. Use when user requests human support or when workflows fail.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"reason":   str("The reason for escalation"),
					"call_sid": str("The provider call SID for reference"),
					"user_id":  str("The user ID if known"),
				},
				Required: []string{"reason"},
			},
		},
		{
			Type:        "function",
			Name:        GuideToolName,
			Description: "Answer questions about using the mobile charging app: account creation, starting or stopping a session, badges, payments. Resolved locally from the app user guide.",
			Parameters: Parameters{
				Type: "object",
				Properties: map[string]Property{
					"topic": str("The user's question or topic, in their own words"),
				},
				Required: []string{"topic"},
			},
		},
	}
}
