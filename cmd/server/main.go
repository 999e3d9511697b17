package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"opencollab/internal/credentials"
	"opencollab/internal/cryptographic/seal"
	userRepo "opencollab/internal/repository/user"
	"opencollab/internal/room"
	"opencollab/internal/service/server"
	userSvc "opencollab/internal/service/user"
	"opencollab/internal/utils/log"
)

func main() {
	var (
		addr        = flag.String("addr", envOr("OC_ADDR", "localhost:9090"), "listen address")
		mongoURI    = flag.String("mongo", envOr("OC_MONGO_URI", ""), "mongodb URI; empty keeps users in memory")
		redisAddr   = flag.String("redis", envOr("OC_REDIS_ADDR", ""), "redis address; empty keeps tokens in memory")
		joinTimeout = flag.Duration("join-timeout", 2*time.Minute, "host approval deadline")
		debug       = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log.Init(*debug)
	defer log.Sync()

	var repo userRepo.Repository = userRepo.NewMemoryRepo()
	if *mongoURI != "" {
		client, err := initMongo(*mongoURI)
		if err != nil {
			log.Fatal("connecting to mongo failed", zap.Error(err))
		}
		repo = userRepo.NewMongoRepo(client.Database("opencollab"))
	}

	var store credentials.Store = credentials.NewMemoryStore()
	if *redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: "", // no password by default
			DB:       0,  // use default DB
		})
		store = credentials.NewRedisStore(rdb)
	}

	keys, err := seal.NewKeyPair()
	if err != nil {
		log.Fatal("generating server keys failed", zap.Error(err))
	}

	srv := server.NewHttpServer(
		userSvc.NewManager(repo),
		credentials.NewManager(store),
		room.NewManager(*joinTimeout),
		keys,
		server.Options{Addr: *addr},
	)

	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
