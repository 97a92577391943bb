package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memoryorch/internal/memevent"
	"memoryorch/internal/outbox"
	"memoryorch/internal/store"
)

func mustRow(t *testing.T, ev memevent.Event) outbox.Row {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	return outbox.Row{EventID: ev.EventID, Project: ev.Project, File: ev.File, Payload: payload}
}

type fakeRawPutter struct {
	events []memevent.Event
}

func (f *fakeRawPutter) PutRawEvent(ctx context.Context, ev memevent.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func TestRawSinkDecodesAndWritesEveryRow(t *testing.T) {
	fake := &fakeRawPutter{}
	sink := NewRawSink(fake)
	row := mustRow(t, memevent.Event{EventID: "evt1", Project: "p", File: "a.md", ContentRaw: "hello"})

	require.NoError(t, sink.WriteBatch(context.Background(), []outbox.Row{row}))
	require.Len(t, fake.events, 1)
	assert.Equal(t, "evt1", fake.events[0].EventID)
	assert.Equal(t, outbox.TargetRaw, sink.Target())
}

func TestRawSinkReturnsErrorOnUndecodablePayload(t *testing.T) {
	fake := &fakeRawPutter{}
	sink := NewRawSink(fake)
	row := outbox.Row{EventID: "evt1", Payload: []byte("not json")}

	err := sink.WriteBatch(context.Background(), []outbox.Row{row})
	assert.Error(t, err)
}

type fakeVectorPutter struct {
	items []store.VectorPutItem
}

func (f *fakeVectorPutter) PutBatch(ctx context.Context, items []store.VectorPutItem) error {
	f.items = append(f.items, items...)
	return nil
}

func TestVectorSinkBuildsOneItemPerRowFromContentRaw(t *testing.T) {
	fake := &fakeVectorPutter{}
	sink := NewVectorSink(fake)
	row := mustRow(t, memevent.Event{EventID: "evt1", Project: "p", File: "a.md", ContentRaw: "hello world"})

	require.NoError(t, sink.WriteBatch(context.Background(), []outbox.Row{row}))
	require.Len(t, fake.items, 1)
	assert.Equal(t, "hello world", fake.items[0].Content)
	assert.Equal(t, outbox.TargetVector, sink.Target())
}

type fakeAnalyticPutter struct {
	events []memevent.Event
	err    error
}

func (f *fakeAnalyticPutter) PutBatch(ctx context.Context, events []memevent.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func TestSQLSinkPropagatesStoreError(t *testing.T) {
	fake := &fakeAnalyticPutter{err: errors.New("database disk image is malformed")}
	sink := NewSQLSink(fake)
	row := mustRow(t, memevent.Event{EventID: "evt1"})

	err := sink.WriteBatch(context.Background(), []outbox.Row{row})
	assert.Error(t, err)
	assert.True(t, IsSQLCorruption(err))
	assert.Equal(t, outbox.TargetSQL, sink.Target())
}

type fakeArchivalPutter struct {
	events []memevent.Event
}

func (f *fakeArchivalPutter) PutBatch(ctx context.Context, events []memevent.Event) error {
	f.events = append(f.events, events...)
	return nil
}

func TestArchivalSinkForwardsDecodedEvents(t *testing.T) {
	fake := &fakeArchivalPutter{}
	sink := NewArchivalSink(fake)
	row := mustRow(t, memevent.Event{EventID: "evt1", Project: "p"})

	require.NoError(t, sink.WriteBatch(context.Background(), []outbox.Row{row}))
	require.Len(t, fake.events, 1)
	assert.Equal(t, outbox.TargetArchival, sink.Target())
}

type fakeHistory struct {
	categories []string
}

func (f *fakeHistory) Append(category string, fields map[string]interface{}) error {
	f.categories = append(f.categories, category)
	return nil
}

func TestObservabilitySinkAppendsOneLinePerRow(t *testing.T) {
	fake := &fakeHistory{}
	sink := NewObservabilitySink(fake)
	rows := []outbox.Row{
		{EventID: "evt1", Project: "p", File: "a.md"},
		{EventID: "evt2", Project: "p", File: "b.md"},
	}

	require.NoError(t, sink.WriteBatch(context.Background(), rows))
	assert.Len(t, fake.categories, 2)
	assert.Equal(t, outbox.TargetObservability, sink.Target())
}
