package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/crypto/ssh"
)

type parameterClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Store fetches SSH private keys from the SSM parameter store. Keys live
// under /ssh_keys/<name> as decryptable PEM material. Each key is fetched and
// parsed once per store lifetime.
type Store struct {
	ssm parameterClient

	mu    sync.Mutex
	cache map[string]ssh.Signer
}

func NewStore(client parameterClient) *Store {
	return &Store{ssm: client, cache: map[string]ssh.Signer{}}
}

// PrivateKey returns a signer for the named key.
func (s *Store) PrivateKey(ctx context.Context, name string) (ssh.Signer, error) {
	s.mu.Lock()
	cached, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	resp, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(fmt.Sprintf("/ssh_keys/%s", name)),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch private key %s: %w", name, err)
	}
	if resp.Parameter == nil || resp.Parameter.Value == nil {
		return nil, fmt.Errorf("private key %s has no value", name)
	}

	signer, err := ssh.ParsePrivateKey([]byte(*resp.Parameter.Value))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = signer
	s.mu.Unlock()
	return signer, nil
}
