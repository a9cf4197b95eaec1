package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"line-relay/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	queryOut  *dynamodb.QueryOutput
	queryErr  error
	txErr     error

	putInputs    []*dynamodb.PutItemInput
	lastGetInput *dynamodb.GetItemInput
	lastUpdateIn *dynamodb.UpdateItemInput
	lastQueryIn  *dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func makeTurnItem(convID string, ts time.Time, userText, assistantText string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: convPK(convID)},
		"SK":            &types.AttributeValueMemberS{Value: turnSK(ts)},
		"userText":      &types.AttributeValueMemberS{Value: userText},
		"assistantText": &types.AttributeValueMemberS{Value: assistantText},
		"timestamp":     &types.AttributeValueMemberS{Value: ts.UTC().Format(time.RFC3339Nano)},
	}
}

func mustNewStore(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, "test-table")
	require.NoError(t, err)
	return s
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestGetUser_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: userItem(domain.User{
		ID:              "U123",
		DisplayName:     "Aki",
		AvatarRef:       "https://example.com/p.png",
		MessageCount:    4,
		ConversationRef: "U123",
		CreatedAt:       "2026-01-01 00:00:00",
		UpdatedAt:       "2026-01-02 00:00:00",
	})}}
	s := mustNewStore(t, db)

	u, found, err := s.GetUser(context.Background(), "U123")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Aki", u.DisplayName)
	require.Equal(t, 4, u.MessageCount)
	require.NotNil(t, db.lastGetInput)
}

func TestGetUser_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)

	_, found, err := s.GetUser(context.Background(), "U123")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetUser_APIError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	s := mustNewStore(t, db)

	_, _, err := s.GetUser(context.Background(), "U123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetUser")
}

func TestCreateUser_WritesUserAndMeta(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.CreateUser(context.Background(), domain.User{
		ID:              "U123",
		DisplayName:     "Aki",
		ConversationRef: "U123",
		CreatedAt:       "2026-01-01 00:00:00",
		UpdatedAt:       "2026-01-01 00:00:00",
	})
	require.NoError(t, err)
	require.Len(t, db.putInputs, 2)
	require.NotNil(t, db.putInputs[0].ConditionExpression)
	meta := db.putInputs[1].Item
	require.Equal(t, "CONV#U123", meta["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, meta["SK"].(*types.AttributeValueMemberS).Value)
}

func TestCreateUser_AlreadyExists(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	s := mustNewStore(t, db)

	err := s.CreateUser(context.Background(), domain.User{ID: "U123", ConversationRef: "U123"})
	require.ErrorIs(t, err, ErrUserExists)
	require.Len(t, db.putInputs, 1)
}

func TestRecordUserMessage_UsesAtomicAdd(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.RecordUserMessage(context.Background(), "U123", "2026-01-03 12:00:00")
	require.NoError(t, err)
	require.NotNil(t, db.lastUpdateIn)
	require.Contains(t, *db.lastUpdateIn.UpdateExpression, "ADD messageCount")
}

func TestGetRecentTurns_ReversesToChronological(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			// Newest-first, as DynamoDB returns with ScanIndexForward=false.
			Items: []map[string]types.AttributeValue{
				makeTurnItem("U123", base.Add(2*time.Minute), "third", "c"),
				makeTurnItem("U123", base.Add(time.Minute), "second", "b"),
				makeTurnItem("U123", base, "first", "a"),
			},
		},
	}
	s := mustNewStore(t, db)

	turns, err := s.GetRecentTurns(context.Background(), "U123", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "first", turns[0].UserText)
	require.Equal(t, "third", turns[2].UserText)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(10), *db.lastQueryIn.Limit)
}

func TestGetRecentTurns_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("boom")}
	s := mustNewStore(t, db)

	_, err := s.GetRecentTurns(context.Background(), "U123", 10)
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetRecentTurns")
}

func TestAppendTurn_TransactsTurnAndMeta(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)

	err := s.AppendTurn(context.Background(), domain.Turn{
		ConversationID: "U123",
		UserText:       "hello",
		AssistantText:  "hi there",
		Timestamp:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	require.NotNil(t, db.lastTxInput.TransactItems[0].Put)
	require.NotNil(t, db.lastTxInput.TransactItems[1].Update)
}

func TestAppendTurn_RequiresConversationID(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	err := s.AppendTurn(context.Background(), domain.Turn{})
	require.Error(t, err)
}

func TestGetReferenceNotes_DecodesRecords(t *testing.T) {
	db := &fakeDynamo{
		queryOut: &dynamodb.QueryOutput{
			Items: []map[string]types.AttributeValue{
				{
					"PK":   &types.AttributeValueMemberS{Value: pkNotes},
					"SK":   &types.AttributeValueMemberS{Value: pkNotes + "1"},
					"date": &types.AttributeValueMemberS{Value: "2026-01-01"},
					"text": &types.AttributeValueMemberS{Value: "went hiking"},
				},
				{
					"PK":   &types.AttributeValueMemberS{Value: pkNotes},
					"SK":   &types.AttributeValueMemberS{Value: pkNotes + "2"},
					"date": &types.AttributeValueMemberS{Value: "2026-01-02"},
					"text": &types.AttributeValueMemberS{Value: "started a new book"},
				},
			},
		},
	}
	s := mustNewStore(t, db)

	notes, err := s.GetReferenceNotes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	require.Equal(t, "went hiking", notes[0].Text)
	require.Equal(t, "2026-01-02", notes[1].Date)
}
