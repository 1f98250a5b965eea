package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"autodm/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu     sync.Mutex
	events []CommentEvent
	err    error
}

func (p *recordingProcessor) ProcessComment(ctx context.Context, evt CommentEvent) (*ProcessResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return &ProcessResult{}, p.err
}

func newWebhookFixture(t *testing.T) (*WebhookService, *recordingProcessor, *models.Channel) {
	t.Helper()
	db := newAutomationTestDB(t)
	ch := seedChannel(t, db, "17841400000", func(c *models.Channel) { c.PageID = "10200" })
	proc := &recordingProcessor{}
	return NewWebhookService(NewChannelService(db, nil, quietLogger()), proc, quietLogger()), proc, ch
}

func TestWebhookService_OtherObjectIgnored(t *testing.T) {
	svc, proc, _ := newWebhookFixture(t)
	res, err := svc.Handle(context.Background(), []byte(`{"object":"other"}`))
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Empty(t, proc.events, "no rule evaluation for foreign objects")
}

func TestWebhookService_InstagramComment(t *testing.T) {
	svc, proc, ch := newWebhookFixture(t)
	body := `{
		"object": "instagram",
		"entry": [{
			"id": "17841400000",
			"time": 1710000000,
			"changes": [
				{"field": "comments", "value": {
					"id": "c-1", "text": "Price?", "parent_id": "",
					"from": {"id": "ig-user-1", "username": "alice"},
					"media": {"id": "m-1", "media_product_type": "FEED"}
				}},
				{"field": "comments", "value": {
					"id": "c-2", "text": "thanks!",
					"from": {"id": "17841400000", "username": "shop"},
					"media": {"id": "m-1"}
				}},
				{"field": "mentions", "value": {"media_id": "m-9"}}
			],
			"messaging": [{"sender": {"id": "x"}, "read": {"mid": "m"}}]
		}]
	}`
	res, err := svc.Handle(context.Background(), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Comments)
	assert.Equal(t, 1, res.Skipped, "the account's own reply is skipped")
	require.Len(t, proc.events, 1)

	evt := proc.events[0]
	assert.Equal(t, ch.ID, evt.ChannelID)
	assert.Equal(t, "m-1", evt.MediaID)
	assert.Equal(t, "c-1", evt.CommentID)
	assert.Equal(t, "ig-user-1", evt.CommenterID)
	assert.Equal(t, "alice", evt.CommenterUsername)
	assert.Equal(t, "Price?", evt.Text)
}

func TestWebhookService_PageFeedComment(t *testing.T) {
	svc, proc, _ := newWebhookFixture(t)
	body := `{"object":"page","entry":[{"id":"17841400000","changes":[
		{"field":"feed","value":{"item":"comment","verb":"add","comment_id":"fc-1","post_id":"p-1","message":"how much","from":{"id":"fb-1","name":"Bob"}}},
		{"field":"feed","value":{"item":"comment","verb":"remove","comment_id":"fc-2","post_id":"p-1","from":{"id":"fb-2"}}},
		{"field":"feed","value":{"item":"comment","verb":"add","comment_id":"fc-3","post_id":"p-1","message":"ours","from":{"id":"10200"}}}
	]}]}`
	res, err := svc.Handle(context.Background(), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Comments)
	require.Len(t, proc.events, 1)
	assert.Equal(t, "p-1", proc.events[0].MediaID)
	assert.Equal(t, "how much", proc.events[0].Text)
}

func TestWebhookService_UnknownChannelAndErrors(t *testing.T) {
	svc, proc, _ := newWebhookFixture(t)
	proc.err = errors.New("pipeline exploded")

	body := `{"object":"instagram","entry":[
		{"id":"unknown","changes":[{"field":"comments","value":{"id":"c-1","text":"hi","from":{"id":"u"}}}]},
		{"id":"17841400000","changes":[{"field":"comments","value":{"id":"c-2","text":"hi","from":{"id":"u"}}}]}
	]}`
	res, err := svc.Handle(context.Background(), []byte(body))
	require.NoError(t, err, "processing errors are counted, not returned")
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Errors)
	assert.Len(t, proc.events, 1)
}

func TestWebhookService_MalformedBody(t *testing.T) {
	svc, proc, _ := newWebhookFixture(t)
	_, err := svc.Handle(context.Background(), []byte(`{not json`))
	assert.Error(t, err)
	assert.Empty(t, proc.events)
}
