package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskweave/taskweave/pkg/models"
	"github.com/taskweave/taskweave/pkg/taskerr"
)

// fakeClient returns canned responses and records the last request.
type fakeClient struct {
	response *Response
	err      error
	lastReq  Request
}

func (f *fakeClient) Complete(_ context.Context, req Request) (*Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func agentTask() *models.Task {
	return &models.Task{
		ID:              "t1",
		Goal:            "summarize the report",
		SuccessCriteria: []string{"summary under 200 words"},
		Findings: []*models.Finding{
			{SourceStepID: "s0", Kind: models.FindingKindFact, Content: "report fetched"},
		},
	}
}

func agentStep() *models.Step {
	return &models.Step{
		ID:   "s1",
		Name: "summarize",
		Kind: models.StepKindLLMAgent,
		Agent: &models.AgentSpec{
			SystemPrompt: "You summarize documents.",
			MaxTokens:    512,
		},
	}
}

func TestAgent_Run_ParsesStructuredReply(t *testing.T) {
	client := &fakeClient{response: &Response{
		Content: `{
			"output": {"summary": "twelve sections, all fine"},
			"findings": [
				{"kind": "warning", "content": "section 4 is empty"}
			],
			"replan_requested": false
		}`,
		TokensUsed: 321,
	}}
	agent := NewAgent(client)

	res, err := agent.Run(context.Background(), agentTask(), agentStep(),
		map[string]any{"body": "..."}, nil)
	require.NoError(t, err)
	assert.Equal(t, "twelve sections, all fine", res.Outputs["summary"])
	assert.Equal(t, 321, res.TokensUsed)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, models.FindingKindWarning, res.Findings[0].Kind)
	assert.Equal(t, "s1", res.Findings[0].SourceStepID)
	assert.False(t, res.Findings[0].RequestsReplan())

	// The step's spec flowed into the request.
	assert.Equal(t, "You summarize documents.", client.lastReq.System)
	assert.Equal(t, 512, client.lastReq.MaxTokens)
	assert.Contains(t, client.lastReq.Prompt, "summarize the report")
	assert.Contains(t, client.lastReq.Prompt, "report fetched")
}

func TestAgent_Run_CodeFencedReply(t *testing.T) {
	client := &fakeClient{response: &Response{
		Content: "```json\n{\"output\": {\"answer\": \"42\"}}\n```",
	}}
	agent := NewAgent(client)

	res, err := agent.Run(context.Background(), agentTask(), agentStep(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "42", res.Outputs["answer"])
}

func TestAgent_Run_UnstructuredReplyFallsBack(t *testing.T) {
	client := &fakeClient{response: &Response{Content: "The summary is: all good."}}
	agent := NewAgent(client)

	res, err := agent.Run(context.Background(), agentTask(), agentStep(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "The summary is: all good.", res.Outputs["response"])
	assert.Empty(t, res.Findings)
}

func TestAgent_Run_ReplanRequestBecomesFinding(t *testing.T) {
	client := &fakeClient{response: &Response{
		Content: `{"output": {}, "replan_requested": true}`,
	}}
	agent := NewAgent(client)

	res, err := agent.Run(context.Background(), agentTask(), agentStep(), nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.True(t, res.Findings[0].RequestsReplan())
}

func TestAgent_Run_CompletionFailureIsRetryable(t *testing.T) {
	client := &fakeClient{err: errors.New("connection reset")}
	agent := NewAgent(client)

	_, err := agent.Run(context.Background(), agentTask(), agentStep(), nil, nil)
	require.Error(t, err)
	assert.True(t, taskerr.IsKind(err, taskerr.KindNetwork))
	assert.True(t, taskerr.Retryable(taskerr.KindOf(err)))
}

func TestAgent_Run_TextAttachmentInlined(t *testing.T) {
	client := &fakeClient{response: &Response{Content: `{"output": {}}`}}
	agent := NewAgent(client)

	_, err := agent.Run(context.Background(), agentTask(), agentStep(), nil, []Attachment{
		{Name: "notes.txt", MIMEType: "text/plain", Data: []byte("remember the deadline")},
		{Name: "chart.png", MIMEType: "image/png", Data: []byte{0x89}},
	})
	require.NoError(t, err)
	assert.Contains(t, client.lastReq.Prompt, "remember the deadline")
	assert.NotContains(t, client.lastReq.Prompt, "chart.png")
	require.Len(t, client.lastReq.Attachments, 2)
}
