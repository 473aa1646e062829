package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"realtime-service/internal/models"
)

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) IsActive(ctx context.Context, userID int) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *UserRepositoryMock) PushEnabled(ctx context.Context, userID int) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

type CommunityRepositoryMock struct {
	mock.Mock
}

func (m *CommunityRepositoryMock) ResolveMembers(ctx context.Context, communityID int) ([]int, error) {
	args := m.Called(ctx, communityID)
	var memberIDs []int
	if val := args.Get(0); val != nil {
		memberIDs = val.([]int)
	}
	return memberIDs, args.Error(1)
}

func (m *CommunityRepositoryMock) IsMember(ctx context.Context, communityID int, userID int) (bool, error) {
	args := m.Called(ctx, communityID, userID)
	return args.Bool(0), args.Error(1)
}

type MessageRecordRepositoryMock struct {
	mock.Mock
}

func (m *MessageRecordRepositoryMock) RecordMessage(ctx context.Context, record models.MessageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

type DelivererMock struct {
	mock.Mock
}

func (m *DelivererMock) Deliver(ctx context.Context, recipientID int, event models.Event) models.DeliveryOutcome {
	args := m.Called(ctx, recipientID, event)
	return args.Get(0).(models.DeliveryOutcome)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(ctx context.Context, communityID int, event models.Event, excludeUserID int) (models.BroadcastResult, error) {
	args := m.Called(ctx, communityID, event, excludeUserID)
	var result models.BroadcastResult
	if val := args.Get(0); val != nil {
		result = val.(models.BroadcastResult)
	}
	return result, args.Error(1)
}

type PushDispatcherMock struct {
	mock.Mock
}

func (m *PushDispatcherMock) PushToUser(ctx context.Context, userID int, notification models.PushNotification) bool {
	args := m.Called(ctx, userID, notification)
	return args.Bool(0)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
