package quota

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoCounter 基于 MongoDB 单文档的配额计数器。
//
// 判额加一用一条 FindOneAndUpdate 完成：过滤条件只放行
// "月份已变" 或 "计数未满" 的文档，更新管道在月份变化时清零。
// 文档存在但条件不满足时，upsert 会因 _id 冲突失败，
// 该唯一键冲突即配额耗尽的信号。
type MongoCounter struct {
	coll *mongo.Collection
	id   string
}

type mongoCounterDoc struct {
	ID    string `bson:"_id"`
	Month string `bson:"month"`
	Count int    `bson:"count"`
}

// NewMongoCounter 构造 MongoDB 配额计数器。id 为计数文档的固定主键。
func NewMongoCounter(coll *mongo.Collection, id string) *MongoCounter {
	return &MongoCounter{coll: coll, id: id}
}

// Increment 原子判额加一。
func (c *MongoCounter) Increment(ctx context.Context, month string, max int) (int, error) {
	filter := bson.D{
		{Key: "_id", Value: c.id},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "month", Value: bson.D{{Key: "$ne", Value: month}}}},
			bson.D{{Key: "count", Value: bson.D{{Key: "$lt", Value: max}}}},
		}},
	}
	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "month", Value: month},
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$ne", Value: bson.A{"$month", month}}},
				1,
				bson.D{{Key: "$add", Value: bson.A{
					bson.D{{Key: "$ifNull", Value: bson.A{"$count", 0}}}, 1,
				}}},
			}}}},
		}}},
	}

	var doc mongoCounterDoc
	err := c.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After)).
		Decode(&doc)
	if err != nil {
		// 文档存在且计数已满时 upsert 以 _id 冲突失败。
		if mongo.IsDuplicateKeyError(err) {
			return 0, ErrExceeded
		}
		return 0, fmt.Errorf("quota: mongo increment: %w", err)
	}
	return doc.Count, nil
}

// Current 返回当前月份的计数。
func (c *MongoCounter) Current(ctx context.Context, month string) (int, error) {
	var doc mongoCounterDoc
	err := c.coll.FindOne(ctx, bson.D{{Key: "_id", Value: c.id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: mongo read: %w", err)
	}
	if doc.Month != month {
		return 0, nil
	}
	return doc.Count, nil
}
