package vitalink

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/viper"
	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

func defaultConfig() *Config {
	return &Config{
		RelayTickSeconds:    5,
		ConsumerTickSeconds: 5,
		RetentionDays:       30,
		ProcessedIDCap:      10000,
	}
}

// WithDataDir configures the client to keep every flat-file collection and
// the config file under the given directory. It creates the directory if it
// doesn't exist and initializes the configuration file using Viper.
func WithDataDir(dataDir string) func(*Client) error {
	return func(client *Client) error {
		_, err := os.ReadDir(dataDir)
		if err != nil {
			if os.IsNotExist(err) {
				log.Println("[*] creating data dir")
				err := os.MkdirAll(dataDir, 0700)
				if err != nil {
					return fmt.Errorf("creating data dir %s: %w", dataDir, err)
				}
			} else {
				return fmt.Errorf("checking if directory exists %s: %w", dataDir, err)
			}
		}
		// At this point, the directory exists or was created successfully
		client.DataDir = dataDir

		// VIPER
		v := viper.New()
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
		v.SetDefault("relay_tick_seconds", 5)
		v.SetDefault("consumer_tick_seconds", 5)
		v.SetDefault("retention_days", 30)
		v.SetDefault("processed_id_cap", 10000)
		err = v.ReadInConfig()
		if err != nil {
			// need to check if the error is config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				// Config file is not found
				err = v.SafeWriteConfig()
				if err != nil {
					return fmt.Errorf("writing config file : %w", err)
				}
			} else {
				return fmt.Errorf("reading config file : %w", err)
			}
		}
		if err := v.Unmarshal(&client.Config); err != nil {
			return fmt.Errorf("unmarshalling config to struct : %w", err)
		}
		client.Config.viper = v
		client.Config.DataDir = dataDir
		v.Set("data_dir", dataDir)
		// Rewrite entire file from struct
		err = v.WriteConfig()
		if err != nil {
			return fmt.Errorf("writing config after unmarshalling : %w", err)
		}

		fileStore, err := store.New(dataDir)
		if err != nil {
			return fmt.Errorf("creating store in %s : %w", dataDir, err)
		}
		client.Store = fileStore
		return nil
	}
}

// WithStore sets the flat-file store directly, bypassing WithDataDir. Used
// by tests and shells that manage their own configuration.
func WithStore(fileStore *store.Store) func(*Client) error {
	return func(client *Client) error {
		client.Store = fileStore
		client.DataDir = fileStore.BaseDir()
		return nil
	}
}

// WithRepo sets the side-store Repository, closing any previously set one.
func WithRepo(repo Repository) func(*Client) error {
	return func(client *Client) error {
		if client.Repo != nil {
			if err := client.Repo.Close(); err != nil {
				return err
			}
			client.Repo = nil
		}
		client.Repo = repo
		return nil
	}
}

// WithSuccessHandler takes a handler function that will be executed on each
// successful acknowledgement
func WithSuccessHandler(handler func(message string) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnSuccess != nil {
			return errors.New("client already has a success handler defined")
		}
		client.OnSuccess = handler
		return nil
	}
}

// WithFailureHandler takes a handler function that will be executed on each
// failed acknowledgement
func WithFailureHandler(handler func(reason string) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnFailure != nil {
			return errors.New("client already has a failure handler defined")
		}
		client.OnFailure = handler
		return nil
	}
}

// WithAckHandler takes a handler function that will be executed on each
// acknowledgement with the decoded outcome
func WithAckHandler(handler func(ack Acknowledgement) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnAck != nil {
			return errors.New("client already has an ack handler defined")
		}
		client.OnAck = handler
		return nil
	}
}

// WithNoticeHandler takes a handler function that will be executed on each
// broadcast or notification envelope addressed to the active session
func WithNoticeHandler(handler func(envelope domain.Envelope) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnNotice != nil {
			return errors.New("client already has a notice handler defined")
		}
		client.OnNotice = handler
		return nil
	}
}

// WithLogHandler takes a handler function that will be executed on each Log
func WithLogHandler(handler func(log domain.Log) error) func(*Client) error {
	return func(client *Client) error {
		if client.OnLog != nil {
			return errors.New("client already has a log handler defined")
		}
		client.OnLog = handler
		return nil
	}
}

type enqueueRequest struct {
	originOverride string
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(req *enqueueRequest)

// WithOriginOverride supplies the acting principal for actions that precede
// session establishment (login attempts, account creation).
func WithOriginOverride(user string) EnqueueOption {
	return func(req *enqueueRequest) {
		req.originOverride = user
	}
}

// LOG OPTIONS

// LogWithContext is an option to add a context map to a log entry.
func LogWithContext(context map[string]any) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.Context = context
		return nil
	}
}

// LogWithEnvelopeID is an option to associate a log entry with an envelope.
func LogWithEnvelopeID(messageID string) func(log *domain.Log) error {
	return func(log *domain.Log) error {
		log.EnvelopeID = messageID
		return nil
	}
}
