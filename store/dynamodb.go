package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"manimate/types"
)

const (
	pkPrefixSession  = "SESSION#"
	dynamoMaxRetries = 5
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore keeps one item per session, guarded by a version attribute.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoStore creates a DynamoDB backed store. ttl of zero disables item expiry.
func NewDynamoStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

func sessionPK(id string) string {
	return pkPrefixSession + id
}

func (d *DynamoStore) Create(ctx context.Context, s *types.Session) error {
	return d.update(ctx, s.ID, func(existing *types.Session) (*types.Session, error) {
		write, err := checkCreate(existing, s)
		if err != nil || !write {
			return nil, err
		}
		return prepare(s, d.now()), nil
	})
}

func (d *DynamoStore) UpsertProgress(ctx context.Context, id string, scripts []*types.Script, readyTokens []string) error {
	return d.update(ctx, id, func(existing *types.Session) (*types.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		changed, err := applyProgress(existing, scripts, readyTokens, d.now())
		if err != nil || !changed {
			return nil, err
		}
		return existing, nil
	})
}

func (d *DynamoStore) SetStatus(ctx context.Context, id string, status types.SessionStatus) error {
	return d.update(ctx, id, func(existing *types.Session) (*types.Session, error) {
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if existing.Status == status {
			return nil, nil
		}
		existing.Status = status
		existing.UpdatedAt = d.now()
		return existing, nil
	})
}

func (d *DynamoStore) Get(ctx context.Context, id string) (*types.Session, error) {
	s, _, err := d.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

func (d *DynamoStore) load(ctx context.Context, id string) (*types.Session, int, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: sessionPK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("store: get item %s: %w", id, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, 0, nil
	}
	s, version, err := itemToSession(out.Item)
	if err != nil {
		return nil, 0, fmt.Errorf("store: decode item %s: %w", id, err)
	}
	return s, version, nil
}

// update reads the item, applies mutate and writes it back conditioned on the
// version it read. mutate returns nil to skip the write.
func (d *DynamoStore) update(ctx context.Context, id string, mutate func(existing *types.Session) (*types.Session, error)) error {
	for range dynamoMaxRetries {
		existing, version, err := d.load(ctx, id)
		if err != nil {
			return err
		}
		next, err := mutate(existing)
		if err != nil || next == nil {
			return err
		}

		item, err := d.sessionItem(next, version+1)
		if err != nil {
			return err
		}
		in := &dynamodb.PutItemInput{
			TableName: aws.String(d.tableName),
			Item:      item,
		}
		if existing == nil {
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		} else {
			in.ConditionExpression = aws.String("version = :v")
			in.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
				":v": &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(version)},
			}
		}

		_, err = d.api.PutItem(ctx, in)
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store: put item %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("store: update %s: too much contention", id)
}

func (d *DynamoStore) sessionItem(s *types.Session, version int) (map[string]ddbtypes.AttributeValue, error) {
	tokens, err := json.Marshal(s.Tokens)
	if err != nil {
		return nil, fmt.Errorf("store: encode tokens: %w", err)
	}
	scripts, err := json.Marshal(s.Scripts)
	if err != nil {
		return nil, fmt.Errorf("store: encode scripts: %w", err)
	}
	ready, err := json.Marshal(s.ReadyTokens)
	if err != nil {
		return nil, fmt.Errorf("store: encode ready tokens: %w", err)
	}

	item := map[string]ddbtypes.AttributeValue{
		"PK":          &ddbtypes.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"sessionId":   &ddbtypes.AttributeValueMemberS{Value: s.ID},
		"ownerId":     &ddbtypes.AttributeValueMemberS{Value: s.OwnerID},
		"topic":       &ddbtypes.AttributeValueMemberS{Value: s.Topic},
		"tokens":      &ddbtypes.AttributeValueMemberS{Value: string(tokens)},
		"scripts":     &ddbtypes.AttributeValueMemberS{Value: string(scripts)},
		"readyTokens": &ddbtypes.AttributeValueMemberS{Value: string(ready)},
		"status":      &ddbtypes.AttributeValueMemberS{Value: string(s.Status)},
		"createdAt":   &ddbtypes.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":   &ddbtypes.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"version":     &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(version)},
	}
	if d.ttl > 0 {
		item["ttl"] = &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(d.now().Add(d.ttl).Unix(), 10)}
	}
	return item, nil
}

func itemToSession(item map[string]ddbtypes.AttributeValue) (*types.Session, int, error) {
	var s types.Session
	var err error
	if s.ID, err = strAttr(item, "sessionId"); err != nil {
		return nil, 0, err
	}
	if s.OwnerID, err = strAttr(item, "ownerId"); err != nil {
		return nil, 0, err
	}
	s.Topic, _ = strAttr(item, "topic")
	status, _ := strAttr(item, "status")
	s.Status = types.SessionStatus(status)

	if err := jsonAttr(item, "tokens", &s.Tokens); err != nil {
		return nil, 0, err
	}
	if err := jsonAttr(item, "scripts", &s.Scripts); err != nil {
		return nil, 0, err
	}
	if err := jsonAttr(item, "readyTokens", &s.ReadyTokens); err != nil {
		return nil, 0, err
	}
	if s.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return nil, 0, err
	}
	if s.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return nil, 0, err
	}

	version, err := intAttr(item, "version")
	if err != nil {
		return nil, 0, err
	}
	return &s, version, nil
}

func strAttr(item map[string]ddbtypes.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]ddbtypes.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	n, ok := v.(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func jsonAttr(item map[string]ddbtypes.AttributeValue, key string, dst any) error {
	raw, err := strAttr(item, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return nil
}

func timeAttr(item map[string]ddbtypes.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse attribute %q: %w", key, err)
	}
	return t, nil
}
