package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "devkit"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage devkit configuration.

Running bare 'devkit config' is the same as 'devkit config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# devkit configuration
# See: devkit config show (for effective values and sources)

# State directory (default: ~/.config/devkit)
# state_dir: {{ .StateDir }}

# SQLite database holding HAR references and the conversation cache
# db_path: {{ .DBPath }}

log:
  # zerolog level: debug, info, warn, error (default: warn)
  level: "{{ .LogLevel }}"

har:
  # Directory for parsed HAR sessions
  session_dir: "{{ .HARSessionDir }}"

  # Sessions older than this are removed on the next load (default: 24h)
  session_ttl: "{{ .HARSessionTTL }}"

  # Values longer than this many characters are stored as references
  ref_threshold: {{ .HARRefThreshold }}

convo:
  # Claude conversation logs, one directory per project
  projects_dir: "{{ .ConvoProjectsDir }}"

  # Sessions shown by convo list without --limit
  default_limit: {{ .ConvoDefaultLimit }}

serve:
  # Port for devkit serve (default: 8080)
  port: {{ .ServePort }}

anthropic:
  # Model used by convo title (API key: anthropic.api_key or ANTHROPIC_API_KEY)
  model: "{{ .AnthropicModel }}"
`

type configTemplateData struct {
	StateDir          string
	DBPath            string
	LogLevel          string
	HARSessionDir     string
	HARSessionTTL     string
	HARRefThreshold   int
	ConvoProjectsDir  string
	ConvoDefaultLimit int
	ServePort         int
	AnthropicModel    string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		LogLevel:          viper.GetString("log.level"),
		HARSessionDir:     viper.GetString("har.session_dir"),
		HARSessionTTL:     viper.GetDuration("har.session_ttl").String(),
		HARRefThreshold:   viper.GetInt("har.ref_threshold"),
		ConvoProjectsDir:  viper.GetString("convo.projects_dir"),
		ConvoDefaultLimit: viper.GetInt("convo.default_limit"),
		ServePort:         viper.GetInt("serve.port"),
		AnthropicModel:    viper.GetString("anthropic.model"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "DEVKIT_STATE_DIR"},
	{Key: "db_path", EnvVar: "DEVKIT_DB_PATH"},
	{Key: "log.level", EnvVar: "DEVKIT_LOG_LEVEL"},
	{Key: "har.session_dir", EnvVar: "DEVKIT_HAR_SESSION_DIR"},
	{Key: "har.session_ttl", EnvVar: "DEVKIT_HAR_SESSION_TTL"},
	{Key: "har.ref_threshold", EnvVar: "DEVKIT_HAR_REF_THRESHOLD"},
	{Key: "convo.projects_dir", EnvVar: "DEVKIT_CONVO_PROJECTS_DIR"},
	{Key: "convo.default_limit", EnvVar: "DEVKIT_CONVO_DEFAULT_LIMIT"},
	{Key: "serve.port", EnvVar: "DEVKIT_SERVE_PORT"},
	{Key: "anthropic.model", EnvVar: "DEVKIT_ANTHROPIC_MODEL"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-22s %v  %s\n", k.Key, val, source)
	}

	if viper.GetString("anthropic.api_key") != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
		fmt.Fprintf(ui.Out, "  %-22s %s\n", "anthropic.api_key", "(set)")
	} else {
		fmt.Fprintf(ui.Out, "  %-22s %s\n", "anthropic.api_key", "(not set)")
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'devkit config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
