package main

import (
	"fmt"
	"net/url"
)

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Enum        []string `json:"enum,omitempty"`
}

var noArgs = InputSchema{Type: "object", Properties: map[string]Property{}}

var tools = []Tool{
	{
		Name:        "campusboard_list_events",
		Description: "List upcoming campus events. All filters are optional; search matches title, description, club and tags.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"search":     {Type: "string", Description: "Free-text search"},
				"department": {Type: "string", Description: "Exact department"},
				"club":       {Type: "string", Description: "Exact club"},
				"type":       {Type: "string", Description: "Exact event type, e.g. workshop"},
				"date":       {Type: "string", Description: "Exact date, YYYY-MM-DD"},
			},
		},
	},
	{
		Name:        "campusboard_get_event",
		Description: "Get one event by ID.",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{"event_id": {Type: "string", Description: "Event ID"}},
			Required:   []string{"event_id"},
		},
	},
	{
		Name:        "campusboard_list_reminders",
		Description: "List scheduled event reminders.",
		InputSchema: noArgs,
	},
	{
		Name:        "campusboard_set_reminder",
		Description: "Schedule a reminder before an event. Without minutes_before the event's own lead time is used.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"event_id":       {Type: "string", Description: "Event ID"},
				"minutes_before": {Type: "number", Description: "Minutes before the start"},
			},
			Required: []string{"event_id"},
		},
	},
	{
		Name:        "campusboard_register",
		Description: "Register a user for an event.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"event_id": {Type: "string", Description: "Event ID"},
				"user_id":  {Type: "string", Description: "User ID"},
			},
			Required: []string{"event_id", "user_id"},
		},
	},
	{
		Name:        "campusboard_unregister",
		Description: "Cancel a user's registration.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"event_id": {Type: "string", Description: "Event ID"},
				"user_id":  {Type: "string", Description: "User ID"},
			},
			Required: []string{"event_id", "user_id"},
		},
	},
	{
		Name:        "campusboard_list_registrations",
		Description: "List a user's registrations.",
		InputSchema: InputSchema{
			Type:       "object",
			Properties: map[string]Property{"user_id": {Type: "string", Description: "User ID"}},
			Required:   []string{"user_id"},
		},
	},
	{
		Name:        "campusboard_sync",
		Description: "Refresh the cached events feed from the origin now.",
		InputSchema: noArgs,
	},
}

// callTool maps a tool name onto an API request.
func (s *MCPServer) callTool(name string, args map[string]any) (string, bool) {
	switch name {
	case "campusboard_list_events":
		q := url.Values{}
		for _, k := range []string{"search", "department", "club", "type", "date"} {
			if v, ok := args[k]; ok && v != "" {
				q.Set(k, fmt.Sprintf("%v", v))
			}
		}
		path := "/api/events"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		return s.apiGet(path)
	case "campusboard_get_event":
		return s.apiGet("/api/events/" + pathID(args, "event_id"))
	case "campusboard_list_reminders":
		return s.apiGet("/api/reminders")
	case "campusboard_set_reminder":
		return s.apiPost("/api/reminders", args)
	case "campusboard_register":
		return s.apiPost("/api/events/"+pathID(args, "event_id")+"/registration", map[string]any{"user_id": args["user_id"]})
	case "campusboard_unregister":
		return s.apiDelete("/api/events/"+pathID(args, "event_id")+"/registration", map[string]any{"user_id": args["user_id"]})
	case "campusboard_list_registrations":
		return s.apiGet("/api/registrations?user_id=" + url.QueryEscape(fmt.Sprintf("%v", args["user_id"])))
	case "campusboard_sync":
		return s.apiPost("/api/sync", nil)
	default:
		return "Unknown tool: " + name, true
	}
}
