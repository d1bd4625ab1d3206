package runtime

import "github.com/sebas/voicegate/internal/workflow"

// transferCallTool is always offered to the model so it can request a
// blind transfer of the live call.
func transferCallTool() workflow.Tool {
	return workflow.Tool{
		"type": "function",
		"name": "transfer_call",
		"description": "Transfers the current call to another phone number. " +
			"Use this when the caller asks to be transferred to a specific " +
			"service, department, or person.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"phone_number": map[string]any{
					"type":        "string",
					"description": "The phone number to transfer the call to. Recommended format: E.164 (e.g. +33123456789)",
				},
				"announcement": map[string]any{
					"type":        "string",
					"description": "Optional message announced to the caller before the transfer",
				},
			},
			"required": []any{"phone_number"},
		},
	}
}
