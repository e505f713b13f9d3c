// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/relabs-tech/certrotation/rotation"
)

// DefaultDynamoDBTable is the default table name
const DefaultDynamoDBTable = "CertRotationDevices"

// Attribute names of the DynamoDB items
const (
	attrSerialNumber         = "SerialNumber"
	attrState                = "CrState"
	attrVendorCertID         = "VendorCertId"
	attrManufacturerCertID   = "ManufacturerCertId"
	attrManufacturerCACertID = "ManufacturerCaCertId"
	attrVersion              = "Version"
	attrUpdatedAt            = "UpdatedAt"
)

// DynamoDBAPI is the part of the DynamoDB client used by the store
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDB is a rotation.Store in a DynamoDB table with partition key SerialNumber.
// Writes are conditional on the Version attribute. Items whitelisted by other tools
// without a Version are read as version 0 and adopted by the first write.
type DynamoDB struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDB returns a store for the table. An empty table name selects DefaultDynamoDBTable.
func NewDynamoDB(client DynamoDBAPI, table string) *DynamoDB {
	if client == nil {
		panic("dynamodb client is missing")
	}
	if table == "" {
		table = DefaultDynamoDBTable
	}
	return &DynamoDB{client: client, table: table}
}

func keyOf(serialNumber string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSerialNumber: &types.AttributeValueMemberS{Value: serialNumber},
	}
}

// Get implements rotation.Store
func (d *DynamoDB) Get(ctx context.Context, serialNumber string) (rotation.Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            keyOf(serialNumber),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return rotation.Record{}, unavailable(err)
	}
	if len(out.Item) == 0 {
		return rotation.Record{}, fmt.Errorf("%w: %s", rotation.ErrNotFound, serialNumber)
	}
	rec, err := decodeItem(out.Item)
	if err != nil {
		return rec, unavailable(err)
	}
	return rec, nil
}

// Put implements rotation.Store
func (d *DynamoDB) Put(ctx context.Context, rec rotation.Record) (rotation.Record, error) {
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	current, err := d.Get(ctx, rec.SerialNumber)
	if err != nil && !errors.Is(err, rotation.ErrNotFound) {
		return rec, err
	}
	rec.Version = current.Version + 1
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      encodeItem(rec),
	})
	if err != nil {
		return rec, unavailable(err)
	}
	return rec, nil
}

// Swap implements rotation.Store
func (d *DynamoDB) Swap(ctx context.Context, prev, next rotation.Record) (rotation.Record, error) {
	if prev.SerialNumber != next.SerialNumber {
		return next, fmt.Errorf("cannot swap record %s with %s", prev.SerialNumber, next.SerialNumber)
	}
	if err := next.Validate(); err != nil {
		return next, err
	}
	next.Version = prev.Version + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      encodeItem(next),
	}
	if prev.Version == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(" + attrVersion + ")")
	} else {
		input.ConditionExpression = aws.String(attrVersion + " = :version")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(prev.Version, 10)},
		}
	}
	if _, err := d.client.PutItem(ctx, input); err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return next, fmt.Errorf("%w: %s", rotation.ErrConflict, next.SerialNumber)
		}
		return next, unavailable(err)
	}
	return next, nil
}

// Delete implements rotation.Store
func (d *DynamoDB) Delete(ctx context.Context, serialNumber string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.table),
		Key:       keyOf(serialNumber),
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func encodeRef(ref rotation.CertRef) (types.AttributeValue, bool) {
	if id, ok := ref.ID(); ok {
		return &types.AttributeValueMemberS{Value: id}, true
	}
	if ref.IsCleared() {
		return &types.AttributeValueMemberNULL{Value: true}, true
	}
	return nil, false
}

func encodeItem(rec rotation.Record) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrSerialNumber:         &types.AttributeValueMemberS{Value: rec.SerialNumber},
		attrState:                &types.AttributeValueMemberS{Value: rec.State.String()},
		attrManufacturerCACertID: &types.AttributeValueMemberS{Value: rec.ManufacturerCACertID},
		attrVersion:              &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.Version, 10)},
		attrUpdatedAt:            &types.AttributeValueMemberS{Value: rec.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if v, ok := encodeRef(rec.VendorCertID); ok {
		item[attrVendorCertID] = v
	}
	if v, ok := encodeRef(rec.ManufacturerCertID); ok {
		item[attrManufacturerCertID] = v
	}
	return item
}

func decodeString(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s is missing or not a string", name)
	}
	return v.Value, nil
}

func decodeRef(item map[string]types.AttributeValue, name string) (rotation.CertRef, error) {
	switch v := item[name].(type) {
	case nil:
		return rotation.CertRef{}, nil
	case *types.AttributeValueMemberNULL:
		return rotation.ClearedRef(), nil
	case *types.AttributeValueMemberS:
		return rotation.SetRef(v.Value), nil
	default:
		return rotation.CertRef{}, fmt.Errorf("attribute %s has unexpected type %T", name, v)
	}
}

func decodeItem(item map[string]types.AttributeValue) (rotation.Record, error) {
	var (
		rec rotation.Record
		err error
	)
	if rec.SerialNumber, err = decodeString(item, attrSerialNumber); err != nil {
		return rec, err
	}
	state, err := decodeString(item, attrState)
	if err != nil {
		return rec, err
	}
	if rec.State, err = rotation.ParseState(state); err != nil {
		return rec, err
	}
	if rec.ManufacturerCACertID, err = decodeString(item, attrManufacturerCACertID); err != nil {
		return rec, err
	}
	if rec.VendorCertID, err = decodeRef(item, attrVendorCertID); err != nil {
		return rec, err
	}
	if rec.ManufacturerCertID, err = decodeRef(item, attrManufacturerCertID); err != nil {
		return rec, err
	}
	if v, ok := item[attrVersion].(*types.AttributeValueMemberN); ok {
		if rec.Version, err = strconv.ParseInt(v.Value, 10, 64); err != nil {
			return rec, fmt.Errorf("invalid version: %w", err)
		}
	}
	if v, ok := item[attrUpdatedAt].(*types.AttributeValueMemberS); ok {
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, v.Value); err != nil {
			return rec, fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return rec, nil
}
