package signer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// AWSKms adapts the AWS KMS SDK to the KmsClient interface.
type AWSKms struct {
	client *kms.Client
}

// NewAWSKms wraps an existing KMS client.
func NewAWSKms(client *kms.Client) *AWSKms {
	return &AWSKms{client: client}
}

// DialAWSKms loads the default AWS config for the given region and returns a
// ready client.
func DialAWSKms(ctx context.Context, region string) (*AWSKms, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSKms{client: kms.NewFromConfig(cfg)}, nil
}

// GetPublicKey fetches the key's SPKI DER blob.
func (c *AWSKms) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	out, err := c.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(keyID),
	})
	if err != nil {
		return nil, fmt.Errorf("kms get public key: %w", err)
	}
	return out.PublicKey, nil
}

// Sign asks KMS for an ECDSA-SHA256 signature over a precomputed digest.
func (c *AWSKms) Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	out, err := c.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	return out.Signature, nil
}
