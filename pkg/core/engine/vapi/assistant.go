package vapi

import (
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// Assistant is the engine-side assistant definition.
type Assistant struct {
	Name            string         `json:"name"`
	FirstMessage    string         `json:"firstMessage,omitempty"`
	EndCallMessage  string         `json:"endCallMessage,omitempty"`
	EndCallPhrases  []string       `json:"endCallPhrases,omitempty"`
	Model           AssistantModel `json:"model"`
	Voice           map[string]any `json:"voice,omitempty"`
	ServerURL       string         `json:"serverUrl,omitempty"`
	ServerURLSecret string         `json:"serverUrlSecret,omitempty"`
}

// AssistantModel configures the assistant's LLM, prompt, and tools.
type AssistantModel struct {
	Provider    string             `json:"provider"`
	Model       string             `json:"model"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []AssistantMessage `json:"messages,omitempty"`
	Tools       []AssistantTool    `json:"tools,omitempty"`
}

// AssistantMessage is one prompt message.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AssistantTool declares one callable function and the server it is routed
// to.
type AssistantTool struct {
	Type     string            `json:"type"`
	Function AssistantFunction `json:"function"`
	Server   *ToolServer       `json:"server,omitempty"`
}

// AssistantFunction is the function signature the assistant may invoke.
type AssistantFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// ToolServer routes a tool invocation to an HTTP endpoint.
type ToolServer struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// BookingToolName is the one tool the scheduling assistant carries.
const BookingToolName = "book_appointment"

// bookAppointmentArgs is the argument struct the booking tool schema is
// reflected from. It mirrors the validator's expectations exactly; changing
// one without the other breaks the tool contract.
type bookAppointmentArgs struct {
	Name            string `json:"name" jsonschema:"required" jsonschema_description:"Full name of the customer"`
	Phone           string `json:"phone" jsonschema:"required" jsonschema_description:"Customer phone number"`
	Email           string `json:"email" jsonschema:"required" jsonschema_description:"Customer email for the calendar invite"`
	Date            string `json:"date" jsonschema:"required" jsonschema_description:"Appointment date in YYYY-MM-DD format"`
	Time            string `json:"time" jsonschema:"required" jsonschema_description:"Appointment time in HH:MM 24-hour format"`
	Purpose         string `json:"purpose" jsonschema:"required" jsonschema_description:"What the appointment is about"`
	Timezone        string `json:"timezone,omitempty" jsonschema_description:"IANA timezone of the customer"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema_description:"Duration in minutes, default 60"`
}

// BookingToolSchema reflects the JSON schema for the booking tool arguments.
func BookingToolSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(&bookAppointmentArgs{})
	schema.Version = ""
	return schema
}

// AssistantParams are the deployment-specific inputs of the assistant
// definition.
type AssistantParams struct {
	Name            string
	FirstMessage    string
	HostEmail       string
	DefaultTimezone string
	// ServerBaseURL is this gateway's public base URL; the webhook and tool
	// endpoints hang off it.
	ServerBaseURL string
	// ToolSecret authenticates the engine's tool invocations back to us.
	ToolSecret string
	// Now anchors the "today is ..." line of the system prompt. Defaults to
	// time.Now.
	Now func() time.Time
}

// BuildAssistant produces the deterministic assistant definition for the
// scheduling agent.
func BuildAssistant(p AssistantParams) Assistant {
	if p.Name == "" {
		p.Name = "Maya"
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	today := p.Now()
	if loc, err := time.LoadLocation(p.DefaultTimezone); err == nil {
		today = today.In(loc)
	}

	system := fmt.Sprintf(`You are %s, a friendly voice assistant that books appointments.

## Your goal
Collect the caller's full name, phone number, email address, preferred date
and time, and what the appointment is about. Then book it.

## Rules
- Ask for one detail at a time and keep responses to two short sentences.
- Read the email address back before booking and fix only the wrong part.
- Accept natural dates and times ("next Tuesday", "2pm") and convert them
  yourself: the date must be YYYY-MM-DD and the time HH:MM in 24-hour form.
- Today is %s. Never book a date in the past.
- The caller's timezone defaults to %s unless they say otherwise.
- Confirm every detail in plain English before calling %s.
- If booking fails, apologize, and retry once with the exact same details.
  After a second failure, promise a manual follow-up and move on.
- Never read raw formats like "2026-02-28" aloud; say "February 28th".`,
		p.Name,
		today.Format("Monday, January 2 2006"),
		p.DefaultTimezone,
		BookingToolName,
	)

	return Assistant{
		Name:           p.Name + " Scheduling Assistant",
		FirstMessage:   p.FirstMessage,
		EndCallMessage: "Thank you for your time. Have a wonderful day. Goodbye!",
		EndCallPhrases: []string{"goodbye", "bye bye", "have a great day", "take care", "talk soon"},
		Model: AssistantModel{
			Provider:    "openai",
			Model:       "gpt-4o",
			Temperature: 0.7,
			Messages: []AssistantMessage{
				{Role: "system", Content: system},
			},
			Tools: []AssistantTool{
				{
					Type: "function",
					Function: AssistantFunction{
						Name:        BookingToolName,
						Description: "Books the appointment and sends a calendar invite to the customer.",
						Parameters:  BookingToolSchema(),
					},
					Server: &ToolServer{
						URL:    p.ServerBaseURL + "/vapi/tool/book-appointment",
						Secret: p.ToolSecret,
					},
				},
			},
		},
		Voice: map[string]any{
			"provider": "11labs",
			"voiceId":  "EXAVITQu4vr4xnSDxMaL",
			"speed":    0.9,
		},
		ServerURL: p.ServerBaseURL + "/vapi/webhook",
	}
}
