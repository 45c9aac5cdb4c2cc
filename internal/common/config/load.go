package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads defaultPath (a directory containing config.yaml) followed by each of overridePaths, and finally
// environment variables prefixed with envPrefix, and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overridePaths []string, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config from %s", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, path := range overridePaths {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", path)
		}
		log.Infof("Read config from %s", path)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return nil, errors.WithStack(err)
	}
	return v, nil
}

// Validate runs struct validation over config, logging every failing field.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	if err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			LogValidationErrors(validationErrors)
		}
		return errors.WithMessage(err, "invalid configuration")
	}
	return nil
}

func LogValidationErrors(errs validator.ValidationErrors) {
	for _, err := range errs {
		fieldName := stripPrefix(err.Namespace())
		switch err.Tag() {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), err.Tag())
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
