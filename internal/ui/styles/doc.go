// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the shared color palette for trainchat's terminal
output.

All colors use Lip Gloss AdaptiveColor for automatic light/dark terminal
detection. Status colors always travel with an ASCII indicator so phases
and session states stay readable without color:

	[OK] completed    Emerald
	[X]  failed       Rose
	[*]  running      Amber
	[ ]  idle         TextSecondary
*/
package styles
