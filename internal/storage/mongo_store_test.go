package storage

import (
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/life-stream-dev/life-stream-go-chatroom/internal/config"
)

func TestMongoURI(t *testing.T) {
	tests := []struct {
		cfg    config.MongoConfig
		expect string
	}{
		{config.MongoConfig{Host: "db", Port: 27017}, "mongodb://db:27017/"},
		{config.MongoConfig{Host: "db", Port: 1, Username: "u@x", Password: "p:w"}, "mongodb://u%40x:p%3Aw@db:1/?authSource=admin"},
	}
	for _, tt := range tests {
		if got := MongoURI(tt.cfg); got != tt.expect {
			t.Errorf("MongoURI(%+v) = %s, expected %s", tt.cfg, got, tt.expect)
		}
	}
}

func TestTranslateError(t *testing.T) {
	if translateError(nil, "x") != nil {
		t.Error("nil error translated to non-nil")
	}
	if err := translateError(mongo.ErrNoDocuments, "user 1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	dup := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "dup"}}}
	if err := translateError(dup, "user alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	other := fmt.Errorf("network down")
	if err := translateError(other, "group"); errors.Is(err, ErrNotFound) || !errors.Is(err, other) {
		t.Errorf("unexpected translation %v", err)
	}
}
