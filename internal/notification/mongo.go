package notification

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"
)

// AuditCollection is the collection audit documents are written to.
const AuditCollection = "audit_logs"

// DocumentWriter stores one audit document.
type DocumentWriter interface {
	Insert(ctx context.Context, doc any) error
}

type collectionWriter struct {
	collection *mongo.Collection
}

func (w collectionWriter) Insert(ctx context.Context, doc any) error {
	_, err := w.collection.InsertOne(ctx, doc)
	return err
}

// MongoAuditor keeps an append-only audit trail of events in MongoDB.
type MongoAuditor struct {
	writer DocumentWriter
}

// NewMongoAuditor writes to the audit_logs collection of dbName.
func NewMongoAuditor(client *mongo.Client, dbName string) *MongoAuditor {
	return &MongoAuditor{writer: collectionWriter{collection: client.Database(dbName).Collection(AuditCollection)}}
}

// NewAuditor builds an auditor on any DocumentWriter.
func NewAuditor(w DocumentWriter) *MongoAuditor {
	return &MongoAuditor{writer: w}
}

func (a *MongoAuditor) Notify(ctx context.Context, event Event) error {
	if err := a.writer.Insert(ctx, event); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
