package utils

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config describes an S3-compatible object store (AWS or PSCloud).
type S3Config struct {
	AccessKey string
	SecretKey string
	Region    string
	Endpoint  string
}

// NewS3Client builds an S3 client with static credentials.
func NewS3Client(cfg S3Config) (*s3.S3, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKey, cfg.SecretKey, "",
		),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		// S3-compatible services do not resolve virtual-hosted bucket names.
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}
