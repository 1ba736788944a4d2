package main

// Register every queue backend so any configured DSN scheme resolves.
import (
	_ "github.com/parcelmq/parcel-go/backend/amqpq"
	_ "github.com/parcelmq/parcel-go/backend/dropdir"
	_ "github.com/parcelmq/parcel-go/backend/memory"
	_ "github.com/parcelmq/parcel-go/backend/postgres"
	_ "github.com/parcelmq/parcel-go/backend/redisq"
	_ "github.com/parcelmq/parcel-go/backend/sqs"
)
