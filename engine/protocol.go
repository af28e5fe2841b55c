package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jacokyle01/xiangqi-analyzer/models"
)

// UCI commands and the tokens that answer them.
const (
	cmdUCI      = "uci"
	cmdIsReady  = "isready"
	cmdStop     = "stop"
	cmdQuit     = "quit"
	tokUCIOK    = "uciok"
	tokReadyOK  = "readyok"
	tokBestMove = "bestmove"
)

// Engines report "no legal move" with one of these.
var noMoveTokens = map[string]bool{"(none)": true, "NULL": true}

func variantCommand(variant string) string {
	return "setoption name UCI_Variant value " + variant
}

func positionCommand(fen string) string {
	return "position fen " + fen
}

// goCommand searches to a fixed depth when one is given, otherwise for a
// fixed time.
func goCommand(depth int, think time.Duration) string {
	if depth > 0 {
		return fmt.Sprintf("go depth %d", depth)
	}
	return fmt.Sprintf("go movetime %d", think.Milliseconds())
}

// ParseSearchOutput extracts the best move and the last reported score from
// the lines of one search. An engine with no legal move yields "".
func ParseSearchOutput(lines []string) (bestMove string, score models.Score) {
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "info":
			for i, part := range parts {
				if part != "score" || i+2 >= len(parts) {
					continue
				}
				n, err := strconv.Atoi(parts[i+2])
				if err != nil {
					continue
				}
				switch parts[i+1] {
				case "cp":
					score = models.PawnScore(n)
				case "mate":
					score = models.MateScore(n)
				}
			}
		case tokBestMove:
			if len(parts) > 1 {
				bestMove = parts[1]
				if noMoveTokens[bestMove] {
					bestMove = ""
				}
			}
		}
	}
	return bestMove, score
}
