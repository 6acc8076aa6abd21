package main

import (
	"context"
	"convlog/internal/config"
	"convlog/internal/repository/mongolog"
	redisSvc "convlog/internal/service/redis"
	"convlog/internal/service/replica"
	"convlog/internal/service/server"
	"convlog/internal/utils/log"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to convlog.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		log.Fatal("init logger failed", zap.Error(err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	logs := mongolog.NewLogRepo(mongoDBClient.Database(cfg.Mongo.Database))
	if err := logs.EnsureIndexes(ctx); err != nil {
		log.Fatal("create indexes failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redis := redisSvc.NewRedis(rdb)
	defer redis.Close()
	if err := redis.Ping(ctx); err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}

	s := server.NewHttpServer(replica.New(logs, redis))
	if err := s.Run(ctx, cfg.Relay.Listen); err != nil {
		log.Error("relay stopped", zap.Error(err))
	}
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
