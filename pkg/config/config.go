package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chenBenjamin97/vision-detector/pkg/detection"
	"github.com/chenBenjamin97/vision-detector/pkg/utils"
	"github.com/spf13/viper"
)

//Config is the node configuration, read from YAML and VISION_* environment variables
type Config struct {
	Model   ModelConfig   `mapstructure:"model"`
	Classes []ClassConfig `mapstructure:"classes"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
}

//ModelConfig selects the weights and how they run
type ModelConfig struct {
	WeightsFile   string  `mapstructure:"weights_file"`
	InstallPath   string  `mapstructure:"install_path"`
	Device        string  `mapstructure:"device"`
	InputSize     int     `mapstructure:"input_size"`
	ConfThreshold float64 `mapstructure:"conf_threshold"`
	NMSThreshold  float64 `mapstructure:"nms_threshold"`
}

//ClassConfig is one class table entry; Color is B, G, R
type ClassConfig struct {
	Name  string `mapstructure:"name"`
	Color []int  `mapstructure:"color"`
}

//MQTTConfig describes the message bus
type MQTTConfig struct {
	Broker         string `mapstructure:"broker"`
	ClientID       string `mapstructure:"client_id"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	FrameTopic     string `mapstructure:"frame_topic"`
	DetectionTopic string `mapstructure:"detection_topic"`
	QoS            byte   `mapstructure:"qos"`
}

//EncoderConfig describes the outbound stream process
type EncoderConfig struct {
	Binary            string `mapstructure:"binary"`
	RTSPURL           string `mapstructure:"rtsp_url"`
	RelaunchOnFailure bool   `mapstructure:"relaunch_on_failure"`
}

//HTTPConfig describes the status API. An empty port disables it.
type HTTPConfig struct {
	Port string `mapstructure:"port"`
}

//LogConfig selects the log handler
type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.weights_file", utils.DefaultWeightsFile)
	v.SetDefault("model.install_path", utils.DefaultInstallPath)
	v.SetDefault("model.device", "auto")
	v.SetDefault("model.input_size", 640)
	v.SetDefault("model.conf_threshold", 0.25)
	v.SetDefault("model.nms_threshold", 0.45)

	classes := make([]map[string]interface{}, len(utils.DefaultClassNames))
	for i, name := range utils.DefaultClassNames {
		c := utils.DefaultClassColors[i]
		classes[i] = map[string]interface{}{"name": name, "color": []int{int(c[0]), int(c[1]), int(c[2])}}
	}
	v.SetDefault("classes", classes)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.frame_topic", "camera/image_raw")
	v.SetDefault("mqtt.detection_topic", "bbox")
	v.SetDefault("mqtt.qos", 0)

	v.SetDefault("encoder.binary", "ffmpeg")
	v.SetDefault("encoder.rtsp_url", utils.DefaultRTSPURL)
	v.SetDefault("encoder.relaunch_on_failure", true)

	v.SetDefault("http.port", "8080")

	v.SetDefault("log.format", "json")
	v.SetDefault("log.level", "info")
}

//Load reads the configuration. With an empty path it looks for config.yaml in the working
//directory and falls back to defaults when there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("VISION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: Could not read config file, got '%w'", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: Could not decode config, got '%w'", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

//Validate reports the first missing or out of range setting
func (c *Config) Validate() error {
	switch {
	case c.Model.WeightsFile == "":
		return errors.New("Validate: model.weights_file is required")
	case c.Model.InstallPath == "":
		return errors.New("Validate: model.install_path is required")
	case !utils.InSlice(c.Model.Device, []string{"auto", "cuda", "cpu"}):
		return fmt.Errorf("Validate: model.device must be auto, cuda or cpu, got %q", c.Model.Device)
	case c.Model.InputSize <= 0 || c.Model.InputSize%32 != 0:
		return fmt.Errorf("Validate: model.input_size must be a positive multiple of 32, got %d", c.Model.InputSize)
	case c.Model.ConfThreshold < 0 || c.Model.ConfThreshold > 1:
		return fmt.Errorf("Validate: model.conf_threshold must be between 0.0 and 1.0, got %v", c.Model.ConfThreshold)
	case c.Model.NMSThreshold < 0 || c.Model.NMSThreshold > 1:
		return fmt.Errorf("Validate: model.nms_threshold must be between 0.0 and 1.0, got %v", c.Model.NMSThreshold)
	case c.MQTT.Broker == "":
		return errors.New("Validate: mqtt.broker is required")
	case c.MQTT.FrameTopic == "" || c.MQTT.DetectionTopic == "":
		return errors.New("Validate: mqtt.frame_topic and mqtt.detection_topic are required")
	case c.MQTT.QoS > 2:
		return fmt.Errorf("Validate: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	case c.Encoder.Binary == "" || c.Encoder.RTSPURL == "":
		return errors.New("Validate: encoder.binary and encoder.rtsp_url are required")
	case !utils.InSlice(c.Log.Format, []string{"json", "kv"}):
		return fmt.Errorf("Validate: log.format must be 'json' or 'kv', got %q", c.Log.Format)
	}

	if _, err := c.ClassTable(); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}

	return nil
}

//WeightsDir is the directory weights files are resolved in
func (c *Config) WeightsDir() string {
	return filepath.Join(c.Model.InstallPath, utils.WeightsDir)
}

//WeightsPath resolves the configured weights file against the installation path
func (c *Config) WeightsPath() string {
	return filepath.Join(c.WeightsDir(), c.Model.WeightsFile)
}

//ClassTable builds the immutable class table from the configured classes
func (c *Config) ClassTable() (*detection.ClassTable, error) {
	names := make([]string, len(c.Classes))
	colors := make([][3]uint8, len(c.Classes))
	for i, class := range c.Classes {
		if len(class.Color) != 3 {
			return nil, fmt.Errorf("class %q color needs 3 components, got %d", class.Name, len(class.Color))
		}
		for j, v := range class.Color {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("class %q color component %d out of range", class.Name, v)
			}
			colors[i][j] = uint8(v)
		}
		names[i] = class.Name
	}

	return detection.NewClassTable(names, colors)
}
