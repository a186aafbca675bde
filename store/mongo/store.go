// Package mongo implements ctxmgr.HistoryStore against MongoDB, so a run's
// conversation history and compaction bookkeeping survive a process crash.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentforge/engine/model"
	"github.com/agentforge/engine/transcript"
)

const (
	defaultCollection = "agent_histories"
	defaultTimeout    = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	// Client is a connected Mongo client. Required.
	Client *mongodriver.Client
	// Database names the database holding the history collection. Required.
	Database string
	// Collection defaults to "agent_histories".
	Collection string
	// Timeout bounds each operation. Defaults to 5 seconds.
	Timeout time.Duration
}

// Store persists transcript.History documents keyed by session id.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New constructs a Store and ensures its unique session_id index exists.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("mongo: ensure index: %w", err)
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Save upserts the full history document for sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, h *transcript.History) error {
	if sessionID == "" {
		return errors.New("mongo: session id is required")
	}
	if h == nil {
		return errors.New("mongo: history is required")
	}
	doc, err := toDocument(sessionID, h)
	if err != nil {
		return fmt.Errorf("mongo: encode history: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	update := bson.M{"$set": doc}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo: save history: %w", err)
	}
	return nil
}

// Load fetches the history document for sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (*transcript.History, error) {
	if sessionID == "" {
		return nil, errors.New("mongo: session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc historyDocument
	if err := s.coll.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("mongo: history for session %q: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("mongo: load history: %w", err)
	}
	return doc.toHistory()
}

// ErrNotFound is returned by Load when no history has been saved for a
// session yet.
var ErrNotFound = errors.New("mongo: history not found")

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// historyDocument is the Mongo-stored shape of a transcript.History.
// Messages carry Part-typed content, a closed set of five variants defined
// in package model, so they are stored pre-encoded as JSON rather than
// mapped field-by-field into bson.
type historyDocument struct {
	SessionID           string `bson:"session_id"`
	Goal                string `bson:"goal"`
	Turn                int    `bson:"turn"`
	LastCompactionIndex int    `bson:"last_compaction_index"`
	Messages            []byte `bson:"messages"`
}

func toDocument(sessionID string, h *transcript.History) (historyDocument, error) {
	encoded, err := encodeMessages(h.Messages)
	if err != nil {
		return historyDocument{}, err
	}
	return historyDocument{
		SessionID:           sessionID,
		Goal:                h.Goal,
		Turn:                h.Turn,
		LastCompactionIndex: h.LastCompactionIndex,
		Messages:            encoded,
	}, nil
}

func (doc historyDocument) toHistory() (*transcript.History, error) {
	messages, err := decodeMessages(doc.Messages)
	if err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return &transcript.History{
		Messages:            messages,
		Goal:                doc.Goal,
		Turn:                doc.Turn,
		LastCompactionIndex: doc.LastCompactionIndex,
	}, nil
}

// wireMessage and wirePart give model.Message a JSON encoding that survives
// the model.Part interface, tagging each part with its concrete kind.
type wireMessage struct {
	Role  model.ConversationRole `json:"role"`
	Parts []wirePart             `json:"parts"`
	Meta  map[string]any         `json:"meta,omitempty"`
}

type wirePart struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodeMessages(msgs []model.Message) ([]byte, error) {
	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		parts := make([]wirePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			body, kind, err := encodePart(p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, wirePart{Kind: kind, Body: body})
		}
		wire = append(wire, wireMessage{Role: m.Role, Parts: parts, Meta: m.Meta})
	}
	return json.Marshal(wire)
}

func decodeMessages(data []byte) ([]model.Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wire []wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	out := make([]model.Message, 0, len(wire))
	for _, w := range wire {
		parts := make([]model.Part, 0, len(w.Parts))
		for _, wp := range w.Parts {
			p, err := decodePart(wp)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		out = append(out, model.Message{Role: w.Role, Parts: parts, Meta: w.Meta})
	}
	return out, nil
}

func encodePart(p model.Part) (json.RawMessage, string, error) {
	switch v := p.(type) {
	case model.TextPart:
		body, err := json.Marshal(v)
		return body, "text", err
	case model.ThinkingPart:
		body, err := json.Marshal(v)
		return body, "thinking", err
	case model.ToolUsePart:
		body, err := json.Marshal(v)
		return body, "tool_use", err
	case model.ToolResultPart:
		body, err := json.Marshal(v)
		return body, "tool_result", err
	case model.CacheCheckpointPart:
		return json.RawMessage("{}"), "cache_checkpoint", nil
	default:
		return nil, "", fmt.Errorf("unknown part type %T", p)
	}
}

func decodePart(wp wirePart) (model.Part, error) {
	switch wp.Kind {
	case "text":
		var v model.TextPart
		return v, json.Unmarshal(wp.Body, &v)
	case "thinking":
		var v model.ThinkingPart
		return v, json.Unmarshal(wp.Body, &v)
	case "tool_use":
		var v model.ToolUsePart
		return v, json.Unmarshal(wp.Body, &v)
	case "tool_result":
		var v model.ToolResultPart
		return v, json.Unmarshal(wp.Body, &v)
	case "cache_checkpoint":
		return model.CacheCheckpointPart{}, nil
	default:
		return nil, fmt.Errorf("unknown wire part kind %q", wp.Kind)
	}
}
