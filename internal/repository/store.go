package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-relay/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	pkPrefixConv = "CONV#"
	pkNotes      = "NOTE#"

	skProfile    = "PROFILE"
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
)

// ErrUserExists is returned by CreateUser when the record was already
// created by a concurrent first contact.
var ErrUserExists = errors.New("repository: user already exists")

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store wraps a single DynamoDB table holding the user registry, per-user
// conversation transcripts and the reference-note feed.
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Store over the given table.
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func userPK(userID string) string { return pkPrefixUser + userID }
func convPK(convID string) string { return pkPrefixConv + convID }

// turnSK orders turns chronologically within a conversation partition.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

// GetUser returns the registry record for a user, reporting false when the
// user has never been registered.
func (s *Store) GetUser(ctx context.Context, userID string) (domain.User, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, false, nil
	}
	u, err := itemToUser(out.Item)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	return u, true, nil
}

// CreateUser registers a first-contact user and provisions the empty
// conversation metadata. The conditional put makes concurrent creations
// collapse into a single record; losers get ErrUserExists.
func (s *Store) CreateUser(ctx context.Context, u domain.User) error {
	if u.ID == "" {
		return errors.New("repository: CreateUser: user id is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                userItem(u),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return ErrUserExists
		}
		return fmt.Errorf("repository: CreateUser: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: convPK(u.ConversationRef)},
			"SK":           &types.AttributeValueMemberS{Value: skMeta},
			"turns":        &types.AttributeValueMemberN{Value: "0"},
			"lastActivity": &types.AttributeValueMemberS{Value: u.CreatedAt},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: CreateUser meta: %w", err)
	}
	return nil
}

// RecordUserMessage increments messageCount and refreshes updatedAt in one
// atomic update.
func (s *Store) RecordUserMessage(ctx context.Context, userID, updatedAt string) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		UpdateExpression: aws.String("ADD messageCount :one SET updatedAt = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
			":now": &types.AttributeValueMemberS{Value: updatedAt},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordUserMessage: %w", err)
	}
	return nil
}

// GetRecentTurns returns the most recent limit turns in chronological order.
func (s *Store) GetRecentTurns(ctx context.Context, convID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(convID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT keeps the most recent window.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetRecentTurns decode: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse back to chronological order for prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendTurn writes an immutable turn and bumps the conversation metadata in
// one transaction.
func (s *Store) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if turn.ConversationID == "" {
		return errors.New("repository: AppendTurn: conversation id is required")
	}
	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK":            &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
						"SK":            &types.AttributeValueMemberS{Value: turnSK(ts)},
						"userText":      &types.AttributeValueMemberS{Value: turn.UserText},
						"assistantText": &types.AttributeValueMemberS{Value: turn.AssistantText},
						"timestamp":     &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339Nano)},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(s.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: convPK(turn.ConversationID)},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("ADD turns :one SET lastActivity = :now"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one": &types.AttributeValueMemberN{Value: "1"},
						":now": &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// GetReferenceNotes returns the operator reference feed, oldest first.
func (s *Store) GetReferenceNotes(ctx context.Context, limit int) ([]domain.ReferenceNote, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkNotes},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetReferenceNotes query: %w", err)
	}

	notes := make([]domain.ReferenceNote, 0, len(out.Items))
	for _, item := range out.Items {
		date, _ := strAttr(item, "date") // allow empty
		text, err := strAttr(item, "text")
		if err != nil {
			return nil, fmt.Errorf("repository: GetReferenceNotes decode: %w", err)
		}
		notes = append(notes, domain.ReferenceNote{Date: date, Text: text})
	}
	return notes, nil
}

func userItem(u domain.User) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: userPK(u.ID)},
		"SK":              &types.AttributeValueMemberS{Value: skProfile},
		"userId":          &types.AttributeValueMemberS{Value: u.ID},
		"displayName":     &types.AttributeValueMemberS{Value: u.DisplayName},
		"avatarRef":       &types.AttributeValueMemberS{Value: u.AvatarRef},
		"messageCount":    &types.AttributeValueMemberN{Value: strconv.Itoa(u.MessageCount)},
		"conversationRef": &types.AttributeValueMemberS{Value: u.ConversationRef},
		"createdAt":       &types.AttributeValueMemberS{Value: u.CreatedAt},
		"updatedAt":       &types.AttributeValueMemberS{Value: u.UpdatedAt},
	}
}

func itemToUser(item map[string]types.AttributeValue) (domain.User, error) {
	id, err := strAttr(item, "userId")
	if err != nil {
		return domain.User{}, err
	}
	name, _ := strAttr(item, "displayName")
	avatar, _ := strAttr(item, "avatarRef")
	convRef, _ := strAttr(item, "conversationRef")
	createdAt, _ := strAttr(item, "createdAt")
	updatedAt, _ := strAttr(item, "updatedAt")
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.User{}, err
	}
	return domain.User{
		ID:              id,
		DisplayName:     name,
		AvatarRef:       avatar,
		MessageCount:    count,
		ConversationRef: convRef,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	userText, err := strAttr(item, "userText")
	if err != nil {
		return domain.Turn{}, err
	}
	assistantText, err := strAttr(item, "assistantText")
	if err != nil {
		return domain.Turn{}, err
	}
	raw, _ := strAttr(item, "timestamp") // allow empty
	var ts time.Time
	if raw != "" {
		ts, _ = time.Parse(time.RFC3339Nano, raw)
	}
	return domain.Turn{
		UserText:      userText,
		AssistantText: assistantText,
		Timestamp:     ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
