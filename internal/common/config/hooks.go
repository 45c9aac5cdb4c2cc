package config

import (
	"fmt"
	"reflect"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/scaleproject/scale/internal/common/pulsarutils"
)

// CustomHooks are the decode hooks applied whenever a config struct is unmarshalled by viper.
var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PulsarCompressionTypeHookFunc(),
		PulsarCompressionLevelHookFunc(),
		QuantityDecodeHook(),
	)),
}

func PulsarCompressionTypeHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.NoCompression) {
			return data, nil
		}
		return pulsarutils.ParsePulsarCompressionType(data.(string))
	}
}

func PulsarCompressionLevelHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(pulsar.Default) {
			return data, nil
		}
		return pulsarutils.ParsePulsarCompressionLevel(data.(string))
	}
}

// QuantityDecodeHook allows resource amounts such as "500m" or "4Gi" to be written in config files.
func QuantityDecodeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != reflect.TypeOf(resource.Quantity{}) {
			return data, nil
		}
		return resource.ParseQuantity(fmt.Sprintf("%v", data))
	}
}
