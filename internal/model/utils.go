package model

import (
	"github.com/google/uuid"
)

const ServiceName = "ffmpeg_batch"

func NewID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}

	return id.String()
}
