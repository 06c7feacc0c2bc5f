package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/samber/lo"

	"github.com/vburojevic/dxw/internal/domain"
)

// CompletionCmd generates shell completions
type CompletionCmd struct {
	Shell string `arg:"" enum:"bash,zsh,fish" help:"Shell type (bash, zsh, fish)"`
}

// completionIndex is the command tree flattened by "__"-joined command path
type completionIndex struct {
	Commands map[string][]string
	Flags    map[string][]string
	Values   map[string][]string // flag token -> completion values
}

// Run executes the completion command. It reads the live kong model so
// completions follow the command tree.
func (c *CompletionCmd) Run(globals *Globals, ctx *kong.Context) error {
	var model *kong.Node
	if ctx != nil && ctx.Model != nil {
		model = ctx.Model.Node
	}
	idx := buildCompletionIndex(model)

	switch c.Shell {
	case "bash":
		return writeBashCompletion(globals, idx, false)
	case "zsh":
		return writeBashCompletion(globals, idx, true)
	case "fish":
		return writeFishCompletion(globals, idx)
	}
	return fmt.Errorf("unsupported shell: %s", c.Shell)
}

func buildCompletionIndex(model *kong.Node) completionIndex {
	idx := completionIndex{
		Commands: map[string][]string{},
		Flags:    map[string][]string{},
		Values: map[string][]string{
			"--events": domain.ClassNames(domain.AllTraceEventClasses()),
			"-e":       domain.ClassNames(domain.AllTraceEventClasses()),
		},
	}
	if model == nil {
		idx.Commands[""] = nil
		return idx
	}

	var walk func(n *kong.Node, path []string)
	walk = func(n *kong.Node, path []string) {
		key := strings.Join(path, "__")
		children := lo.Filter(n.Children, func(child *kong.Node, _ int) bool {
			return child != nil && child.Type == kong.CommandNode && !child.Hidden
		})
		idx.Commands[key] = lo.Uniq(lo.FlatMap(children, func(child *kong.Node, _ int) []string {
			return append([]string{child.Name}, child.Aliases...)
		}))
		sort.Strings(idx.Commands[key])

		var flags []string
		for _, group := range n.AllFlags(true) {
			for _, f := range group {
				if f == nil || f.Hidden {
					continue
				}
				tokens := flagTokens(f)
				flags = append(flags, tokens...)
				if enum := splitEnum(f.Enum); len(enum) > 0 {
					for _, t := range tokens {
						if _, ok := idx.Values[t]; !ok {
							idx.Values[t] = enum
						}
					}
				}
			}
		}
		flags = lo.Uniq(flags)
		sort.Strings(flags)
		idx.Flags[key] = flags

		for _, child := range children {
			walk(child, append(append([]string{}, path...), child.Name))
		}
	}
	walk(model, nil)
	return idx
}

func flagTokens(f *kong.Flag) []string {
	tokens := []string{"--" + f.Name}
	if f.Short != 0 {
		tokens = append(tokens, "-"+string(f.Short))
	}
	for _, a := range f.Aliases {
		if a = strings.TrimSpace(a); a != "" {
			tokens = append(tokens, "--"+a)
		}
	}
	return tokens
}

func splitEnum(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(s string, _ int) string { return strings.TrimSpace(s) }))
}

func sortedKeys(m map[string][]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func writeBashCompletion(globals *Globals, idx completionIndex, zsh bool) error {
	var sb strings.Builder
	if zsh {
		sb.WriteString("#compdef dxw\n# Add to ~/.zshrc:\n#   eval \"$(dxw completion zsh)\"\n")
		sb.WriteString("autoload -U +X bashcompinit && bashcompinit\n\n")
	} else {
		sb.WriteString("# dxw bash completion script\n# Add to ~/.bashrc:\n#   eval \"$(dxw completion bash)\"\n\n")
	}

	sb.WriteString(`_dxw_completions() {
    local cur="${COMP_WORDS[COMP_CWORD]}"
    local prev="${COMP_WORDS[COMP_CWORD-1]}"
    local path="" i w

    for ((i=1; i < COMP_CWORD; i++)); do
        w="${COMP_WORDS[i]}"
        [[ -z "${w}" || "${w}" == -* ]] && continue
        case "${path:+${path}__}${w}" in
`)
	for _, k := range sortedKeys(idx.Commands) {
		if k == "" {
			continue
		}
		fmt.Fprintf(&sb, "            %s) path=%q ;;\n", k, k)
	}
	sb.WriteString(`            *) break ;;
        esac
    done

    case "${prev}" in
`)
	for _, token := range sortedKeys(idx.Values) {
		fmt.Fprintf(&sb, "        %s)\n            COMPREPLY=($(compgen -W %q -- \"${cur}\"))\n            return ;;\n",
			token, strings.Join(idx.Values[token], " "))
	}
	sb.WriteString(`    esac

    local commands="" flags=""
    case "${path}" in
`)
	for _, k := range sortedKeys(idx.Flags) {
		fmt.Fprintf(&sb, "        %q) commands=%q; flags=%q ;;\n",
			k, strings.Join(idx.Commands[k], " "), strings.Join(idx.Flags[k], " "))
	}
	sb.WriteString(`    esac

    if [[ "${cur}" == -* ]]; then
        COMPREPLY=($(compgen -W "${flags}" -- "${cur}"))
    else
        COMPREPLY=($(compgen -W "${commands}" -- "${cur}"))
    fi
}

complete -F _dxw_completions dxw
`)
	_, err := fmt.Fprint(globals.Stdout, sb.String())
	return err
}

func writeFishCompletion(globals *Globals, idx completionIndex) error {
	var sb strings.Builder
	sb.WriteString("# dxw fish completion script\n# Add to ~/.config/fish/completions/dxw.fish\n\ncomplete -c dxw -f\n\n")

	for _, cmd := range idx.Commands[""] {
		fmt.Fprintf(&sb, "complete -c dxw -n \"__fish_use_subcommand\" -a %q\n", cmd)
	}
	for _, path := range sortedKeys(idx.Flags) {
		cond := "__fish_use_subcommand"
		if path != "" {
			cond = "__fish_seen_subcommand_from " + strings.ReplaceAll(path, "__", " ")
		}
		for _, flag := range idx.Flags[path] {
			if !strings.HasPrefix(flag, "--") {
				continue
			}
			fmt.Fprintf(&sb, "complete -c dxw -n %q -l %s", cond, strings.TrimPrefix(flag, "--"))
			if values := idx.Values[flag]; len(values) > 0 {
				fmt.Fprintf(&sb, " -xa %q", strings.Join(values, " "))
			}
			sb.WriteString("\n")
		}
	}
	_, err := fmt.Fprint(globals.Stdout, sb.String())
	return err
}
