package database

import (
	"testing"

	"github.com/jason-s-yu/sipsocial/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeChange(t *testing.T) {
	payload := `{
		"type": "UPDATE",
		"new": {"id": "11111111-1111-4111-8111-111111111111", "user_id": "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		        "friend_id": "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", "status": "accepted",
		        "created_at": "2025-03-01T12:00:00.123456+00:00"},
		"old": {"id": "11111111-1111-4111-8111-111111111111", "user_id": "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		        "friend_id": "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", "status": "pending",
		        "created_at": "2025-03-01T12:00:00.123456+00:00"},
		"commit_timestamp": "2025-03-01T12:05:00.5+00:00"
	}`
	ev, err := DecodeChange([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, models.EventUpdate, ev.Type)
	require.NotNil(t, ev.New)
	require.NotNil(t, ev.Old)
	assert.Equal(t, models.StatusAccepted, ev.New.Status)
	assert.Equal(t, models.StatusPending, ev.Old.Status)
	assert.Equal(t, "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb", ev.Row().FriendID.String())
	assert.Equal(t, 2025, ev.CommitTimestamp.Year())
}

func TestDecodeChangeDelete(t *testing.T) {
	payload := `{"type":"DELETE","new":null,"old":{"id":"11111111-1111-4111-8111-111111111111",
		"user_id":"aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa","friend_id":"bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb",
		"status":"pending","created_at":"2025-03-01T12:00:00+00:00"},"commit_timestamp":"2025-03-01T12:05:00+00:00"}`
	ev, err := DecodeChange([]byte(payload))
	require.NoError(t, err)
	assert.Nil(t, ev.New)
	assert.Same(t, ev.Old, ev.Row())
}

func TestDecodeChangeRejects(t *testing.T) {
	_, err := DecodeChange([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeChange([]byte(`{"type":"INSERT","new":null,"old":null}`))
	assert.Error(t, err)
}
