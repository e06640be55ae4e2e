package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"simplyscript/core/loader"

	"github.com/AlecAivazis/survey/v2"
	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
)

var (
	modDirFlag         string
	modForceFlag       bool
	modVersionFlag     string
	modDescriptionFlag string
)

func init() {
	rootCmd.AddCommand(moduleCmd)
	moduleCmd.AddCommand(moduleCreateCmd)

	moduleCreateCmd.Flags().StringVar(&modDirFlag, "dir", filepath.Join("scripts", "modules"), "base directory where the module will be created")
	moduleCreateCmd.Flags().BoolVar(&modForceFlag, "force", false, "overwrite if the target directory already exists")
	moduleCreateCmd.Flags().StringVar(&modVersionFlag, "version", "", "module version written into index.lua")
	moduleCreateCmd.Flags().StringVar(&modDescriptionFlag, "description", "", "optional module description")
}

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Module utilities (scaffolding, etc.)",
}

var moduleCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new Lua module directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		if name == "" {
			prompt := &survey.Input{Message: "Module name:"}
			if err := survey.AskOne(prompt, &name, survey.WithValidator(survey.Required)); err != nil {
				return err
			}
		}
		name = strings.TrimSpace(name)
		if err := validateModuleName(name); err != nil {
			return err
		}

		if modVersionFlag == "" {
			prompt := &survey.Input{Message: "Version:", Default: "0.1.0"}
			_ = survey.AskOne(prompt, &modVersionFlag)
		}
		if modVersionFlag == "" {
			modVersionFlag = "0.1.0"
		}
		if _, err := semver.NewVersion(modVersionFlag); err != nil {
			return fmt.Errorf("invalid version %q: %w", modVersionFlag, err)
		}
		if modDescriptionFlag == "" {
			prompt := &survey.Input{Message: "Description:"}
			_ = survey.AskOne(prompt, &modDescriptionFlag)
		}

		baseDir := strings.TrimSpace(modDirFlag)
		if baseDir == "" {
			baseDir = filepath.Join("scripts", "modules")
		}
		target := filepath.Join(baseDir, name)

		if st, err := os.Stat(target); err == nil && st.IsDir() {
			if !modForceFlag {
				return fmt.Errorf("module directory already exists: %s (use --force to overwrite)", target)
			}
		} else if err == nil && !st.IsDir() {
			return fmt.Errorf("path exists and is not a directory: %s", target)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}

		description := strings.TrimSpace(modDescriptionFlag)
		if description == "" {
			description = name + " module"
		}
		script := fmt.Sprintf(luaTemplate, description, modVersionFlag, name)
		if err := os.WriteFile(filepath.Join(target, loader.LuaEntryFile), []byte(script), 0o644); err != nil {
			return err
		}

		defaults := fmt.Sprintf(`# Default init arguments for %s.
# Values set under module.initArguments.%s in simplyscript.yaml take precedence.
greeting: Hello
`, name, name)
		if err := os.WriteFile(filepath.Join(target, "default-config.yaml"), []byte(defaults), 0o644); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "module scaffolded: %s\n", target)
		return nil
	},
}

const luaTemplate = `-- %s
local M = { version = %q }

-- _setup runs once per interpreter state with the logical name, the init
-- arguments and the module directory.
function M._setup(name, args, path)
  M.name = name
  M.greeting = args.greeting or "Hello"
end

-- %s.hello returns a greeting for args.name.
function M.hello(args, ctx)
  local who = (args and args.name) or "world"
  local text = M.greeting .. ", " .. who
  ctx.log(text)
  return text
end

return M
`

var moduleNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

func validateModuleName(name string) error {
	if name == "" {
		return errors.New("module name required")
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return fmt.Errorf("module name must not contain path separators: %q", name)
	}
	if !moduleNameRe.MatchString(name) {
		return fmt.Errorf("invalid module name: %q", name)
	}
	return nil
}
