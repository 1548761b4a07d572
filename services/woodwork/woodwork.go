// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The woodwork service proxies an NGSI-LD context broker for the
// furniture shop: scoped entity access, customer folder trees, leftover
// stock and the consistency cascades between all of them.
package main

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mofreitas/woodwork/core/access"
	"github.com/mofreitas/woodwork/core/bucket"
	"github.com/mofreitas/woodwork/core/cascade"
	"github.com/mofreitas/woodwork/core/csql"
	"github.com/mofreitas/woodwork/core/jobs"
	"github.com/mofreitas/woodwork/core/logger"
	"github.com/mofreitas/woodwork/core/orion"
	"github.com/mofreitas/woodwork/core/proxy"
	"github.com/mofreitas/woodwork/core/schema"
	"github.com/mofreitas/woodwork/services/woodwork/schemas"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Port             string `env:"PORT,default=3000" description:"the port the service listens on"`
	LogLevel         string `env:"LOG_LEVEL,default=info"`

	BrokerURL        string `env:"BROKER_URL,required" description:"base URL of the NGSI-LD context broker"`
	BrokerTenant     string `env:"BROKER_TENANT,default=woodwork"`
	BrokerContextURL string `env:"BROKER_CONTEXT_URL,optional" description:"JSON-LD @context document for the Link header"`

	TokenURL       string `env:"BROKER_TOKEN_URL,optional" description:"OAuth2 token endpoint; empty disables broker authentication"`
	ClientID       string `env:"BROKER_CLIENT_ID,optional"`
	ClientSecret   string `env:"BROKER_CLIENT_SECRET,optional"`
	TokenCacheFile string `env:"BROKER_TOKEN_CACHE,optional" description:"path of the token cache file; empty keeps the token in memory"`

	JWTSecret string `env:"JWT_SECRET,required" description:"HS256 signing secret of the token issuer"`
	JWTIssuer string `env:"JWT_ISSUER,optional"`

	StorageDriver string `env:"STORAGE_DRIVER,default=Local" description:"Local or AWSS3"`
	StoragePath   string `env:"STORAGE_PATH,default=/var/lib/woodwork" description:"base directory for the Local driver"`
	S3AccessID    string `env:"S3_ACCESS_ID,optional"`
	S3AccessKey   string `env:"S3_ACCESS_KEY,optional"`
	S3Region      string `env:"S3_REGION,optional"`
	S3BucketName  string `env:"S3_BUCKET_NAME,optional"`
	S3KeyPrefix   string `env:"S3_KEY_PREFIX,optional"`

	CORSOrigins string `env:"CORS_ORIGINS,default=*"`
}

func (s *Service) tokenSource() oauth2.TokenSource {
	if s.TokenURL == "" {
		return nil
	}
	var cache orion.TokenCache
	if s.TokenCacheFile != "" {
		cache = &orion.FileTokenCache{Path: s.TokenCacheFile}
	}
	return orion.NewTokenSource(&clientcredentials.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		TokenURL:     s.TokenURL,
	}, cache)
}

func (s *Service) storageConfiguration() bucket.Configuration {
	if bucket.DriverType(s.StorageDriver) == bucket.DriverTypeAWSS3 {
		return bucket.Configuration{
			DriverType: bucket.DriverTypeAWSS3,
			S3Configuration: &bucket.S3Configuration{
				AccessID:      s.S3AccessID,
				AccessKey:     s.S3AccessKey,
				AWSRegion:     s.S3Region,
				AWSBucketName: s.S3BucketName,
				KeyPrefix:     s.S3KeyPrefix,
			},
		}
	}
	return bucket.Configuration{
		DriverType:         bucket.DriverTypeLocal,
		LocalConfiguration: &bucket.LocalConfiguration{BasePath: s.StoragePath},
	}
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.InitLogger(level)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, "woodwork")
	defer db.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)

	broker := orion.NewClient(&orion.ClientBuilder{
		BrokerURL:   service.BrokerURL,
		Tenant:      service.BrokerTenant,
		ContextURL:  service.BrokerContextURL,
		TokenSource: service.tokenSource(),
	})

	queue := jobs.New(&jobs.Builder{
		DB:     db,
		Router: router,
	})

	proxy.New(&proxy.Builder{
		Broker:    broker,
		Router:    router,
		Events:    queue,
		Validator: schema.MustNewValidatorFromFS(schemas.FS),
	})

	storage, err := bucket.NewDriver(service.storageConfiguration())
	if err != nil {
		rlog.WithError(err).Fatalln("cannot create storage driver")
	}
	folderBucket := bucket.New(&bucket.Builder{
		DB:      db,
		Storage: storage,
		Router:  router,
		Events:  queue,
	})

	cascade.New(&cascade.Builder{
		Broker: broker,
		Bucket: folderBucket,
	}).Bind(queue)
	queue.ProcessJobsAsync(10 * time.Second)

	access.HandleAuthorizationRoute(router)
	router.Use(access.NewJwtMiddleware(&access.JwtMiddlewareBuilder{
		Secret: service.JWTSecret,
		Issuer: service.JWTIssuer,
	}))

	handler := handlers.CORS(
		handlers.AllowedOrigins([]string{service.CORSOrigins}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(router)
	handler = handlers.CombinedLoggingHandler(os.Stdout, handler)

	rlog.Infoln("listen on port :" + service.Port)
	rlog.Fatal(http.ListenAndServe(":"+service.Port, handler))
}
